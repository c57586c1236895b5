package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Process loads an optional .env file and fills spec from the environment.
func Process(prefix string, spec interface{}, dotenvFiles ...string) error {
	if err := godotenv.Load(dotenvFiles...); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(err, "failed to load .env")
	}
	if err := envconfig.Process(prefix, spec); err != nil {
		return errors.Wrap(err, "failed to process env config")
	}
	return nil
}

type Devices struct {
	Video   string `yaml:"video"`
	Audio   string `yaml:"audio"`
	Display string `yaml:"display"`
}

// Profile holds caster settings that are too structured for env variables.
type Profile struct {
	MimeTypes          []string `yaml:"mimeTypes"`
	TimesliceMillis    int      `yaml:"timesliceMs"`
	VideoBitsPerSecond int      `yaml:"videoBitsPerSecond"`
	AudioBitsPerSecond int      `yaml:"audioBitsPerSecond"`
	Devices            Devices  `yaml:"devices"`
}

func (p *Profile) Timeslice() time.Duration {
	return time.Duration(p.TimesliceMillis) * time.Millisecond
}

func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile: %s", path)
	}
	return ParseProfile(b)
}

func ParseProfile(b []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse profile")
	}
	if p.TimesliceMillis < 0 {
		return nil, errors.Errorf("timesliceMs must not be negative: %d", p.TimesliceMillis)
	}
	return &p, nil
}
