// Package config loads and validates node configuration. Files are CUE;
// every document is unified against the embedded schema so defaults and
// constraints live in one place.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

//go:embed schema.cue
var schemaSource string

// LoadError represents an error that occurred during config loading.
type LoadError struct {
	Code    string
	Message string
}

const (
	ErrCodeNotFound   = "CONFIG_NOT_FOUND"
	ErrCodeParse      = "CONFIG_PARSE"
	ErrCodeValidation = "CONFIG_VALIDATION"
)

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Class seeds one participation registry entry.
type Class struct {
	Name          string   `json:"name"`
	Send          bool     `json:"send"`
	Receive       bool     `json:"receive"`
	OrderedFields []string `json:"orderedFields"`
}

// Server seeds one peer registry entry.
type Server struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Username string `json:"username"`
	Address  string `json:"address"`
	Disabled bool   `json:"disabled"`
}

// Config is one node's validated configuration.
type Config struct {
	Node       string   `json:"node"`
	MaxRetries int      `json:"maxRetries"`
	Classes    []Class  `json:"classes"`
	Servers    []Server `json:"servers"`
}

// Load reads, unifies, and decodes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error reading config: %v", err)}
	}
	return Parse(data)
}

// Parse validates raw CUE config bytes against the schema.
func Parse(data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("compiling schema: %v", err)}
	}

	doc := ctx.CompileBytes(data)
	if err := doc.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("parsing config: %v", err)}
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Code: ErrCodeValidation, Message: err.Error()}
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, &LoadError{Code: ErrCodeValidation, Message: fmt.Sprintf("decoding config: %v", err)}
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check enforces the cross-field constraints CUE cannot express cleanly.
func (c *Config) check() error {
	parents := 0
	for _, s := range c.Servers {
		if s.Role == string(record.RoleParent) {
			parents++
		}
	}
	if parents > 1 {
		return &LoadError{Code: ErrCodeValidation, Message: "more than one PARENT server configured"}
	}
	return nil
}

// Seed writes the configured classes and servers into the store.
// Existing entries with the same key are updated, nothing is removed.
func (c *Config) Seed(ctx context.Context, s *store.Store) error {
	for _, cl := range c.Classes {
		err := s.SaveClass(ctx, &record.SyncClass{
			Name:          cl.Name,
			SendTo:        cl.Send,
			ReceiveFrom:   cl.Receive,
			OrderedFields: cl.OrderedFields,
		})
		if err != nil {
			return fmt.Errorf("seed class %s: %w", cl.Name, err)
		}
	}
	for _, srv := range c.Servers {
		err := s.SaveServer(ctx, &record.RemoteServer{
			UUID:     srv.UUID,
			Name:     srv.Name,
			Username: srv.Username,
			Role:     record.ServerRole(srv.Role),
			Address:  srv.Address,
			Disabled: srv.Disabled,
		})
		if err != nil {
			return fmt.Errorf("seed server %s: %w", srv.Name, err)
		}
	}
	return nil
}
