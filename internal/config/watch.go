// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads Path whenever it changes on disk and hands the
// merged Store (Base overlaid with the reloaded file) to OnReload. A
// reload that fails to parse is logged and the previous Store is kept,
// since a config typo should not take a running daemon down.
type Watcher struct {
	Path     string
	Base     *Store
	OnReload func(*Store)

	logrus.FieldLogger
}

// Start fulfills the workgroup.Member contract.
func (w *Watcher) Start(ctx context.Context) error {
	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watch.Close()

	if err := watch.Add(w.Path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watch.Errors:
			if !ok {
				return nil
			}
			w.WithError(err).Warn("config watcher error")
		case event, ok := <-watch.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			reloaded, err := Load(w.Path)
			if err != nil {
				w.WithError(err).Warnf("failed to reload config %s, keeping previous values", w.Path)
				continue
			}
			merged, err := w.Base.Merge(reloaded)
			if err != nil {
				w.WithError(err).Warn("failed to merge reloaded config")
				continue
			}
			w.WithField("path", w.Path).Info("reloaded configuration")
			w.OnReload(merged)
		}
	}
}
