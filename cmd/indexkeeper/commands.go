package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/indexkeeper/internal/config"
	"github.com/loykin/indexkeeper/pkg/client"
)

// command holds what the client commands share: where to print and how
// to reach the daemon.
type command struct {
	out        io.Writer
	configPath *string
	now        func() time.Time
}

func (c command) apiClient(f APIFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	switch {
	case f.APIUrl != "":
		cfg.BaseURL = strings.TrimRight(f.APIUrl, "/")
	case c.configPath != nil && *c.configPath != "":
		conf, err := config.Load(*c.configPath)
		if err != nil {
			return nil, err
		}
		cfg.BaseURL = "http://" + conf.Server.Listen + conf.Server.BasePath
	}
	return client.New(cfg), nil
}

func (c command) ctx(f APIFlags) (context.Context, context.CancelFunc) {
	if f.APITimeout > 0 {
		return context.WithTimeout(context.Background(), f.APITimeout)
	}
	return context.WithCancel(context.Background())
}

func (c command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Locks

func (c command) LocksList(f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	locks, err := api.ListLocks(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(locks)
	}
	if len(locks) == 0 {
		c.printf("No active locks\n")
		return nil
	}
	rows := make([][]string, 0, len(locks))
	for _, l := range locks {
		rows = append(rows, []string{l.ResourceID, l.Holder, orDash(l.Reason), fmtTime(&l.AcquiredAt), l.Remaining})
	}
	c.printf("%s\n", renderTable([]string{"Resource", "Holder", "Reason", "Acquired", "Remaining"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight}))
	return nil
}

func (c command) LocksRelease(f APIFlags, resource string) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	if err := api.ReleaseLock(ctx, resource); err != nil {
		return err
	}
	c.printf("Released %s\n", resource)
	return nil
}

// Runs

func (c command) RunsList(f RunListFlags) error {
	api, err := c.apiClient(f.APIFlags)
	if err != nil {
		return err
	}
	q := client.RunQuery{Status: f.Status, Client: f.Client, Offset: f.Offset, Limit: f.Limit}
	if f.Since > 0 {
		q.Since = c.now().Add(-f.Since)
	}
	ctx, cancel := c.ctx(f.APIFlags)
	defer cancel()
	runs, err := api.ListRuns(ctx, q)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(runs)
	}
	if len(runs) == 0 {
		c.printf("No runs\n")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID, r.Status, r.Trigger, orDash(r.ClientRef), r.SourceURI, fmtTime(&r.StartedAt),
			strconv.FormatInt(r.Counters.Scanned, 10),
			strconv.FormatInt(r.Counters.Failed, 10),
		})
	}
	c.printf("%s\n", renderTable(
		[]string{"ID", "Status", "Trigger", "Client", "Source", "Started", "Scanned", "Failed"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
	return nil
}

func (c command) RunsGet(f APIFlags, id string) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	r, err := api.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(r)
	}
	c.printf("Run:       %s\n", r.ID)
	c.printf("Status:    %s\n", r.Status)
	c.printf("Trigger:   %s\n", r.Trigger)
	c.printf("Client:    %s\n", orDash(r.ClientRef))
	c.printf("Source:    %s\n", r.SourceURI)
	c.printf("Started:   %s\n", fmtTime(&r.StartedAt))
	c.printf("Completed: %s\n", fmtTime(r.CompletedAt))
	c.printf("Files:     scanned=%d added=%d updated=%d skipped=%d failed=%d\n",
		r.Counters.Scanned, r.Counters.Added, r.Counters.Updated, r.Counters.Skipped, r.Counters.Failed)
	if len(r.Errors) > 0 {
		rows := make([][]string, 0, len(r.Errors))
		for _, e := range r.Errors {
			rows = append(rows, []string{fmtTime(&e.Timestamp), orDash(e.Resource), e.Message})
		}
		c.printf("%s\n", renderTable([]string{"Time", "Resource", "Error"}, rows, nil))
	}
	return nil
}

// Folders

func (c command) FoldersList(f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	snap, err := api.SchedulerStatus(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(snap.Folders)
	}
	if len(snap.Folders) == 0 {
		c.printf("No watched folders\n")
		return nil
	}
	c.printf("%s\n", folderTable(snap.Folders))
	return nil
}

func folderTable(folders []client.FolderState) string {
	rows := make([][]string, 0, len(folders))
	for _, f := range folders {
		last := "-"
		if f.LastResult != nil {
			last = f.LastResult.Status
			if f.LastResult.Skipped {
				last = "skipped (" + f.LastResult.SkipReason + ")"
			}
		}
		rows = append(rows, []string{
			f.Path, strconv.FormatBool(f.Enabled), f.Schedule, f.State,
			fmtTime(f.LastScannedAt), fmtTime(f.NextRun), orDash(last),
		})
	}
	return renderTable([]string{"Path", "Enabled", "Schedule", "State", "Last Scan", "Next Run", "Last Result"}, rows, nil)
}

func (c command) FoldersAdd(f FolderAddFlags) error {
	api, err := c.apiClient(f.APIFlags)
	if err != nil {
		return err
	}
	meta, err := parseKV(f.Metadata)
	if err != nil {
		return err
	}
	enabled := !f.Disabled
	ctx, cancel := c.ctx(f.APIFlags)
	defer cancel()
	folder, err := api.AddFolder(ctx, client.AddFolderRequest{
		Path:      f.Path,
		Schedule:  f.Schedule,
		Enabled:   &enabled,
		ClientRef: f.ClientRef,
		Metadata:  meta,
	})
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(folder)
	}
	c.printf("Added %s (%s)\n", folder.Path, folder.Schedule)
	return nil
}

func (c command) FoldersSetEnabled(f APIFlags, path string, enabled bool) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	if err := api.SetFolderEnabled(ctx, path, enabled); err != nil {
		return err
	}
	if enabled {
		c.printf("Enabled %s\n", path)
	} else {
		c.printf("Disabled %s\n", path)
	}
	return nil
}

func (c command) FoldersRemove(f APIFlags, path string) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	if err := api.RemoveFolder(ctx, path); err != nil {
		return err
	}
	c.printf("Removed %s\n", path)
	return nil
}

func (c command) FoldersScan(f APIFlags, path string) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	res, err := api.ScanFolder(ctx, path)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(res)
	}
	switch {
	case res.Skipped:
		msg := "Skipped " + res.Path + ": " + res.SkipReason
		if res.LockedBy != "" {
			msg += " by " + res.LockedBy
		}
		c.printf("%s\n", msg)
	case res.Error != "" && res.RunID == "":
		return fmt.Errorf("scan %s: %s", res.Path, res.Error)
	default:
		c.printf("Run %s finished %s: scanned=%d added=%d updated=%d skipped=%d failed=%d\n",
			res.RunID, res.Status, res.Counters.Scanned, res.Counters.Added,
			res.Counters.Updated, res.Counters.Skipped, res.Counters.Failed)
		if res.Degraded {
			c.printf("warning: run bookkeeping was degraded\n")
		}
	}
	return nil
}

// Scheduler

func (c command) SchedulerStatus(f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	snap, err := api.SchedulerStatus(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(snap)
	}
	state := "stopped"
	if snap.Running {
		state = "running"
	}
	c.printf("Scheduler: %s (holder %s, last tick %s)\n", state, snap.Holder, fmtTime(snap.LastTick))
	if len(snap.Folders) > 0 {
		c.printf("%s\n", folderTable(snap.Folders))
	}
	return nil
}

func (c command) SchedulerStart(f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	if err := api.StartScheduler(ctx); err != nil {
		return err
	}
	c.printf("Scheduler started\n")
	return nil
}

func (c command) SchedulerStop(f APIFlags) error {
	api, err := c.apiClient(f)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(f)
	defer cancel()
	if err := api.StopScheduler(ctx); err != nil {
		return err
	}
	c.printf("Scheduler stopped\n")
	return nil
}

// parseKV parses key=value pairs.
func parseKV(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid metadata %q: want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
