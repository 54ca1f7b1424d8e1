package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/loykin/indexkeeper"
	"github.com/loykin/indexkeeper/internal/logger"
)

// pidLock holds the daemon's exclusive lock on its pidfile.
type pidLock struct {
	path string
	fl   *flock.Flock
}

// acquirePidFile locks path and writes the current pid into it. It fails
// when another daemon holds the lock.
func acquirePidFile(path string) (*pidLock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pidfile: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another indexkeeper daemon is running (pidfile %s)", path)
	}
	// #nosec G306
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return &pidLock{path: path, fl: fl}, nil
}

func (p *pidLock) Release() error {
	if p == nil {
		return nil
	}
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return errors.Join(err, p.fl.Unlock())
}

// runServe runs the daemon until SIGINT/SIGTERM.
func runServe(f ServeFlags, stderr io.Writer) error {
	conf, err := indexkeeper.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.PidFile != "" {
		conf.Server.PIDFile = f.PidFile
	}
	if f.LogFile != "" {
		conf.Log.File.Path = f.LogFile
	}

	log, closer, err := logger.New(conf.Log, stderr)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	var pid *pidLock
	if conf.Server.PIDFile != "" {
		if pid, err = acquirePidFile(conf.Server.PIDFile); err != nil {
			return err
		}
		defer func() {
			if err := pid.Release(); err != nil {
				log.Warn("release pidfile", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := indexkeeper.Open(ctx, conf, log)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	log.Info("indexkeeper starting", "version", version, "pid", os.Getpid(), "store", redactDSN(conf.Store.DSN))
	return engine.Run(ctx)
}
