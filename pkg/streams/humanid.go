package streams

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	adjectives = []string{
		"amber", "bold", "brave", "bright", "calm", "clever", "cosmic", "crisp", "daring", "eager",
		"fancy", "gentle", "giant", "happy", "jolly", "keen", "lively", "lucky", "mellow", "nimble",
		"proud", "quiet", "rapid", "shiny", "silent", "sleek", "sunny", "swift", "tidy", "vivid",
	}
	animals = []string{
		"alpaca", "badger", "beaver", "bison", "cheetah", "crane", "dingo", "dolphin", "falcon", "ferret",
		"gecko", "heron", "ibis", "jaguar", "koala", "lemur", "lynx", "marmot", "narwhal", "otter",
		"panda", "puffin", "quokka", "raven", "salmon", "tapir", "toucan", "walrus", "wombat", "zebra",
	}
	names = []string{
		"ada", "alan", "barbara", "claude", "dennis", "edsger", "frances", "grace", "hedy", "ivan",
		"john", "ken", "linus", "margaret", "niklaus", "radia", "rob", "tony", "vint", "yukihiro",
	}
)

// HumanIDGenerator produces ids such as "swift-otter-grace".
type HumanIDGenerator struct {
	rnd *rand.Rand
	mu  sync.Mutex
}

func NewHumanIDGenerator(seed int64) *HumanIDGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &HumanIDGenerator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *HumanIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts := []string{
		adjectives[g.rnd.Intn(len(adjectives))],
		animals[g.rnd.Intn(len(animals))],
		names[g.rnd.Intn(len(names))],
	}
	return strings.ToLower(strings.Join(parts, "-"))
}
