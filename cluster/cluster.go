// Package cluster describes the membership of a distributed run: one
// listen address per rank, in rank order. The launcher hands every
// process the same file, plus its own rank.
package cluster

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Spec lists the members of a run. The position in the list is the
// member's rank.
type Spec struct {
	Members []Member `yaml:"members"`
}

type Member struct {
	Address string `yaml:"address"`
}

// Size returns the process group size P.
func (s *Spec) Size() int { return len(s.Members) }

// Addresses returns the listen address of every rank, in rank order.
func (s *Spec) Addresses() []string {
	addrs := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		addrs = append(addrs, m.Address)
	}
	return addrs
}

func (s *Spec) Validate() error {
	if len(s.Members) < 1 {
		return errors.New("cluster needs at least one member")
	}
	seen := map[string]int{}
	for rank, m := range s.Members {
		if m.Address == "" {
			return errors.Errorf("member %d has no address", rank)
		}
		if other, ok := seen[m.Address]; ok {
			return errors.Errorf("members %d and %d share address %s", other, rank, m.Address)
		}
		seen[m.Address] = rank
	}
	return nil
}

// Load reads a membership file. Files ending in .yaml or .yml are
// parsed as a Spec; anything else is treated as a plain hostfile with
// one host:port per line, where '#' starts a comment.
func Load(path string) (*Spec, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read cluster file")
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ParseYAML(buf)
	default:
		return ParseHostfile(buf)
	}
}

func ParseYAML(buf []byte) (*Spec, error) {
	spec := &Spec{}
	if err := yaml.UnmarshalStrict(buf, spec); err != nil {
		return nil, errors.Wrap(err, "parse cluster file")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func ParseHostfile(buf []byte) (*Spec, error) {
	spec := &Spec{}
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Only the first column matters, trailing columns hold
		// hostnames or comments in common hostfile layouts.
		spec.Members = append(spec.Members, Member{Address: strings.Fields(line)[0]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "parse hostfile")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
