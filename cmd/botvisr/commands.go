package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/loykin/botvisr/pkg/client"
)

// command binds the global flags to the daemon API for every subcommand.
type command struct {
	flags *GlobalFlags
	out   io.Writer
	p     *printer
}

func newCommand(flags *GlobalFlags, out io.Writer) *command {
	return &command{flags: flags, out: out, p: newPrinter(out)}
}

func (c *command) client() *client.Client {
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

// reachable returns a client or a hint to start the daemon.
func (c *command) reachable(ctx context.Context) (*client.Client, error) {
	api := c.client()
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it with 'botvisr serve'", api.BaseURL())
	}
	return api, nil
}

func (c *command) Start(ctx context.Context, ids []string) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		st, err := api.Start(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		c.printStatus(id, st)
	}
	return errors.Join(errs...)
}

func (c *command) Stop(ctx context.Context, ids []string, f StopFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		st, err := api.Stop(ctx, id, !f.Force)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		c.printStatus(id, st)
	}
	return errors.Join(errs...)
}

func (c *command) Fail(ctx context.Context, id string, f FailFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	st, err := api.Fail(ctx, id, f.Reason)
	if err != nil {
		return err
	}
	c.printStatus(id, st)
	return nil
}

func (c *command) printStatus(id string, st client.Status) {
	if c.flags.JSON {
		printJSON(c.out, client.BotStatus{ID: id, Status: st})
		return
	}
	_, _ = fmt.Fprintf(c.out, "%s: %s\n", id, c.p.state(st))
}

// Status lists every bot, or shows one bot with its latest process record.
func (c *command) Status(ctx context.Context, ids []string) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		list, err := api.List(ctx)
		if err != nil {
			return err
		}
		if c.flags.JSON {
			printJSON(c.out, list)
			return nil
		}
		rows := make([][]string, 0, len(list))
		for _, b := range list {
			rows = append(rows, []string{b.ID, c.p.state(b.Status)})
		}
		c.p.table([]string{"BOT", "STATUS"}, rows)
		return nil
	}

	details := make([]client.BotDetail, 0, len(ids))
	for _, id := range ids {
		d, err := api.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		details = append(details, d)
	}
	if c.flags.JSON {
		printJSON(c.out, details)
		return nil
	}
	rows := make([][]string, 0, len(details))
	for _, d := range details {
		row := []string{d.ID, c.p.state(d.Status), "-", "-", "-", "-"}
		if p := d.Process; p != nil {
			row[2] = strconv.Itoa(p.PID)
			row[3] = formatTime(p.StartedAt)
			row[4] = formatTime(p.LastHeartbeatAt)
			row[5] = strconv.FormatInt(p.Lines, 10)
		}
		rows = append(rows, row)
	}
	c.p.table([]string{"BOT", "STATUS", "PID", "STARTED", "HEARTBEAT", "LINES"}, rows)
	return nil
}

func (c *command) Telemetry(ctx context.Context, id string) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	t, err := api.Telemetry(ctx, id)
	if err != nil {
		return err
	}
	printJSON(c.out, t)
	return nil
}

func (c *command) Sessions(ctx context.Context, f SessionsFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	ss, err := api.Sessions(ctx, f.Bot)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, ss)
		return nil
	}
	rows := make([][]string, 0, len(ss))
	for _, s := range ss {
		ended := "active"
		if s.EndedAt != nil {
			ended = formatTime(*s.EndedAt)
		}
		rows = append(rows, []string{s.ID, s.BotID, formatTime(s.StartedAt), ended, formatDuration(s.StartedAt, s.EndedAt)})
	}
	c.p.table([]string{"SESSION", "BOT", "STARTED", "ENDED", "DURATION"}, rows)
	return nil
}

// Logs prints the entries of a session. Without a session id the active
// session of --bot is used, falling back to its most recent one.
func (c *command) Logs(ctx context.Context, args []string, f LogsFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	sid := ""
	if len(args) > 0 {
		sid = args[0]
	}
	if sid == "" {
		if f.Bot == "" {
			return errors.New("a session id or --bot is required")
		}
		sid, err = c.latestSession(ctx, api, f.Bot)
		if err != nil {
			return err
		}
	}

	entries, err := api.Entries(ctx, sid, client.EntriesQuery{Offset: f.Offset, Limit: f.Limit})
	if err != nil {
		return err
	}
	var last int64
	for _, e := range entries {
		c.printEntry(e)
		last = e.Seq
	}
	if !f.Follow {
		return nil
	}

	s, err := api.Session(ctx, sid)
	if err != nil {
		return err
	}
	if s.EndedAt != nil {
		return nil
	}
	return c.follow(ctx, api, s, last)
}

func (c *command) latestSession(ctx context.Context, api *client.Client, bot string) (string, error) {
	a, err := api.Active(ctx, bot)
	if err != nil {
		return "", err
	}
	if a.Active {
		return a.SessionID, nil
	}
	ss, err := api.Sessions(ctx, bot)
	if err != nil {
		return "", err
	}
	if len(ss) == 0 {
		return "", &client.APIError{StatusCode: http.StatusNotFound, Message: "no sessions for bot " + bot}
	}
	return ss[0].ID, nil
}

// follow streams new entries of s until its bot leaves the live states.
// Entries at or below last were already printed.
func (c *command) follow(ctx context.Context, api *client.Client, s client.Session, last int64) error {
	return api.Watch(ctx, s.BotID, func(ev client.Event) error {
		switch ev.Type {
		case "log":
			if ev.Entry != nil && ev.Entry.SessionID == s.ID && ev.Entry.Seq > last {
				c.printEntry(*ev.Entry)
				last = ev.Entry.Seq
			}
		case "status":
			if ev.Status != nil && (ev.Status.State == "stopped" || ev.Status.State == "error") {
				if ev.Status.Reason != "" {
					_, _ = fmt.Fprintf(c.out, "-- %s: %s\n", s.BotID, c.p.state(*ev.Status))
				}
				return client.ErrStopWatch
			}
		}
		return nil
	})
}

func (c *command) printEntry(e client.LogEntry) {
	if c.flags.JSON {
		printJSON(c.out, e)
		return
	}
	c.p.entry(e)
}
