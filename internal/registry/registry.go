package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loykin/portvisor/internal/logger"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrDuplicatePort  = errors.New("duplicate port")
	ErrDuplicateName  = errors.New("duplicate service name")
	ErrInvalid        = errors.New("invalid service descriptor")
)

// Descriptor describes one launchable service and the port it is expected to bind.
// Descriptors are values; the registry hands out copies.
type Descriptor struct {
	Name         string            `json:"name"`
	Port         int               `json:"port"`
	Command      string            `json:"command"`       // executable + args, shell syntax allowed
	WorkDir      string            `json:"work_dir"`      // also the directory searched for the service's .env
	RequiredKeys []string          `json:"required_keys"` // config keys that must resolve before launch
	Env          []string          `json:"env,omitempty"` // extra KEY=VALUE for the child
	Log          logger.FileConfig `json:"log"`
}

// Addr returns the loopback address the service is expected to listen on.
func (d Descriptor) Addr() string { return fmt.Sprintf("127.0.0.1:%d", d.Port) }

func (d Descriptor) clone() Descriptor {
	c := d
	c.RequiredKeys = append([]string(nil), d.RequiredKeys...)
	c.Env = append([]string(nil), d.Env...)
	return c
}

// Registry is an immutable, ordered table of service descriptors.
type Registry struct {
	order  []Descriptor
	byName map[string]int
}

// New validates descs and builds a registry. Any duplicate port or name is a
// configuration error; nothing is retried at runtime.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		order:  make([]Descriptor, 0, len(descs)),
		byName: make(map[string]int, len(descs)),
	}
	ports := make(map[int]string, len(descs))
	for i, d := range descs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("%w: entry %d has empty name", ErrInvalid, i)
		}
		if d.Port < 1 || d.Port > 65535 {
			return nil, fmt.Errorf("%w: %s port %d out of range 1-65535", ErrInvalid, d.Name, d.Port)
		}
		if strings.TrimSpace(d.Command) == "" {
			return nil, fmt.Errorf("%w: %s has empty command", ErrInvalid, d.Name)
		}
		key := strings.ToLower(d.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
		}
		if other, dup := ports[d.Port]; dup {
			return nil, fmt.Errorf("%w: %d used by both %s and %s", ErrDuplicatePort, d.Port, other, d.Name)
		}
		ports[d.Port] = d.Name
		r.byName[key] = len(r.order)
		r.order = append(r.order, d.clone())
	}
	return r, nil
}

// Get looks a service up by name, ignoring case.
func (r *Registry) Get(name string) (Descriptor, error) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return r.order[i].clone(), nil
}

// All returns every descriptor in registration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.order))
	for i, d := range r.order {
		out[i] = d.clone()
	}
	return out
}

// Names returns service names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	for i, d := range r.order {
		out[i] = d.Name
	}
	return out
}

func (r *Registry) Len() int { return len(r.order) }

// DefaultKey is the AI provider credential the report-generating apps need.
const DefaultKey = "CLAUDE_API_KEY"

// Default returns the built-in service table rooted at root. The API server
// comes first so dependent apps find it listening when started in order.
func Default(root string) *Registry {
	app := func(name string, port int, dir, script string, keys ...string) Descriptor {
		return Descriptor{
			Name:         name,
			Port:         port,
			Command:      "python " + script,
			WorkDir:      filepath.Join(root, dir),
			RequiredKeys: keys,
		}
	}
	r, err := New(
		app("API", 8081, "api", "run_api.py"),
		app("BranchSeeker", 8080, "branchseeker", "run_branchseeker.py", DefaultKey),
		app("LendSight", 8082, "lendsight", "run_lendsight.py", DefaultKey),
		app("MergerMeter", 8083, "mergermeter", "run_mergermeter.py", DefaultKey),
		app("BranchMapper", 8084, "branchmapper", "run_branchmapper.py"),
		app("DataExplorer", 8085, "dataexplorer", "run_dataexplorer.py", DefaultKey),
	)
	if err != nil {
		// the table above is static
		panic(err)
	}
	return r
}
