package health

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Pinger is the slice of the knowledge store readiness cares about.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OutputRoot returns a Checker verifying that the session output root
// exists and is a directory. Serve mode is useless without it: every
// artifact and session listing resolves against this path.
func OutputRoot(root string) Checker {
	return Checker{
		Name: "output_root",
		Check: func(_ context.Context) error {
			info, err := os.Stat(root)
			if err != nil {
				return fmt.Errorf("output root: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("output root %q is not a directory", root)
			}
			return nil
		},
	}
}

// Knowledge returns a Checker that pings the knowledge store. Register it
// only when a store is configured; an absent store is a degraded mode, not
// an unready server.
func Knowledge(p Pinger) Checker {
	return Checker{Name: "knowledge", Check: p.Ping}
}

// Providers returns a Checker that fails while no LLM provider is wired.
// Browse endpoints work without one, but chat does not.
func Providers(llmWired bool) Checker {
	return Checker{
		Name: "providers",
		Check: func(_ context.Context) error {
			if !llmWired {
				return errors.New("no llm provider configured")
			}
			return nil
		},
	}
}
