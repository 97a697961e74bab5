package service

import (
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
)

// Entry is one desired channel as supplied by the external configuration
// source.
type Entry struct {
	Identifier string   `koanf:"id"`
	Active     bool     `koanf:"active"`
	Keywords   []string `koanf:"keywords"`
}

// Source supplies the desired channel list on every refresh cycle.
type Source interface {
	Desired() ([]Entry, error)
}

// FileSource reads the desired channel list from a YAML file. The file is
// re-read on every call so edits take effect on the next refresh cycle
// without a restart.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Desired() ([]Entry, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		// Missing file means an empty desired set, not an error.
		return nil, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(s.path), yaml.Parser()); err != nil {
		return nil, oops.With("channels_file", s.path).Wrap(err)
	}

	var entries []Entry
	if err := k.Unmarshal("channels", &entries); err != nil {
		return nil, oops.With("channels_file", s.path, "context", "unmarshaling channel entries").Wrap(err)
	}
	return entries, nil
}
