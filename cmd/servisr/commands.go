package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/renkaru/servisr/pkg/client"
	"github.com/renkaru/servisr/pkg/template"
)

// command binds the remote subcommands to one output stream so tests can
// capture what they print.
type command struct {
	out io.Writer
}

// dial builds an API client from flags and verifies the daemon answers
// before issuing the real request.
func (c command) dial(apiURL string, timeout time.Duration) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if apiURL != "" {
		cfg.BaseURL = apiURL
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cl := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'servisr serve'", cfg.BaseURL)
	}
	return cl, nil
}

// Start resumes an already registered service, waits for readiness and
// prints the resulting status.
func (c command) Start(f ServiceFlags) error {
	if f.Key == "" {
		return fmt.Errorf("service key is required")
	}
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := cl.Start(ctx, client.ServiceSpec{Key: f.Key}); err != nil {
		return err
	}
	st, err := cl.Status(ctx, f.Key)
	if err != nil {
		return err
	}
	return c.printJSON(st)
}

// Stop stops a service's child and prints the resulting status.
func (c command) Stop(f ServiceFlags) error {
	if f.Key == "" {
		return fmt.Errorf("service key is required")
	}
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := cl.Stop(ctx, f.Key); err != nil {
		return err
	}
	st, err := cl.Status(ctx, f.Key)
	if err != nil {
		return err
	}
	return c.printJSON(st)
}

// Restart replaces a service's child with a fresh run.
func (c command) Restart(f ServiceFlags) error {
	if f.Key == "" {
		return fmt.Errorf("service key is required")
	}
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := cl.Restart(ctx, f.Key); err != nil {
		return err
	}
	st, err := cl.Status(ctx, f.Key)
	if err != nil {
		return err
	}
	return c.printJSON(st)
}

// Status prints one service's status, or every service when no key is
// given.
func (c command) Status(f StatusFlags) error {
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if f.Key != "" {
		st, err := cl.Status(ctx, f.Key)
		if err != nil {
			return err
		}
		return c.printJSON(st)
	}
	sts, err := cl.Services(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(sts)
}

// Ports prints the active claims in the shared port ledger.
func (c command) Ports(f ListFlags) error {
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	claims, err := cl.Ports(context.Background())
	if err != nil {
		return err
	}
	return c.printJSON(claims)
}

// Providers prints the availability table of the fallback chain.
func (c command) Providers(f ListFlags) error {
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	sts, err := cl.Providers(context.Background())
	if err != nil {
		return err
	}
	return c.printJSON(sts)
}

// Route sends one request through the fallback chain and prints the
// result including the attempt trail. An exhausted chain is reported as
// a command error so scripts get a non-zero exit.
func (c command) Route(f RouteFlags) error {
	if f.Text == "" {
		return fmt.Errorf("text is required")
	}
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	res, err := cl.Route(context.Background(), client.RouteRequest{
		ID:         f.RequestID,
		Text:       f.Text,
		SourceLang: f.SourceLang,
		TargetLang: f.TargetLang,
	})
	if err != nil {
		return err
	}
	if err := c.printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("all providers failed after %d attempt(s)", len(res.Attempts))
	}
	return nil
}

// Usage prints resource samples: the whole table, one service's latest
// sample, or one service's sample history.
func (c command) Usage(f UsageFlags) error {
	cl, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if f.History {
		if f.Key == "" {
			return fmt.Errorf("--history requires --key")
		}
		samples, err := cl.UsageHistory(ctx, f.Key)
		if err != nil {
			return err
		}
		return c.printJSON(samples)
	}
	all, err := cl.Usage(ctx)
	if err != nil {
		return err
	}
	if f.Key != "" {
		s, ok := all[f.Key]
		if !ok {
			return fmt.Errorf("no usage samples for %s", f.Key)
		}
		return c.printJSON(s)
	}
	return c.printJSON(all)
}

// Template renders a [[services]] config snippet, to stdout or a file.
func (c command) Template(f TemplateFlags) error {
	if f.Key == "" {
		f.Key = f.Type + "-sample"
	}
	out, err := template.NewGenerator().Render(template.Type(f.Type), f.Key)
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err = c.out.Write(out)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, out, 0o644); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Wrote %s template for %s to %s\n", f.Type, f.Key, f.Output)
	return nil
}

func (c command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}
