package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Reload re-reads path and publishes it into vc when it differs from the
// current value. Invalid files are rejected and the current value kept.
func Reload(path string, vc *Versioned) (bool, error) {
	cfg, err := Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Uint64("version", vc.Version()).Msg("config reload rejected")
		return false, err
	}
	cur, _ := vc.Get()
	if reflect.DeepEqual(cur, cfg) {
		return false, nil
	}
	version, err := vc.Set(cfg)
	if err != nil {
		return false, err
	}
	log.Info().Str("path", path).Uint64("version", version).Msg("config reloaded")
	return true, nil
}

// Watch reloads path into vc whenever the file is written, created or
// renamed into place, until ctx is done. The parent directory is watched so
// editors that replace the file atomically are handled.
func Watch(ctx context.Context, path string, vc *Versioned) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		log.Info().Str("path", abs).Msg("watching config")
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if _, err := os.Stat(abs); err != nil {
					continue
				}
				_, _ = Reload(abs, vc)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
