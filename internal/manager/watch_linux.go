package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/utils/inotify"
)

// InotifyWatcher watches device nodes with inotify. Add and Remove must be
// called from the event loop only.
type InotifyWatcher struct {
	w *inotify.Watcher
}

func NewInotifyWatcher() (*InotifyWatcher, error) {
	w, err := inotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &InotifyWatcher{w: w}, nil
}

func (iw *InotifyWatcher) Add(path string) error {
	return iw.w.AddWatch(path, inotify.InCloseWrite)
}

func (iw *InotifyWatcher) Remove(path string) error {
	return iw.w.RemoveWatch(path)
}

// Run forwards close-write and ignored events until ctx is done, then closes
// the inotify instance.
func (iw *InotifyWatcher) Run(ctx context.Context, out chan<- WatchEvent) error {
	defer iw.w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-iw.w.Event:
			if !ok {
				return errors.New("inotify: event stream closed")
			}
			we := WatchEvent{Path: ev.Name}
			switch {
			case ev.Mask&inotify.InIgnored != 0:
				we.Ignored = true
			case ev.Mask&inotify.InCloseWrite == 0:
				continue
			}
			select {
			case out <- we:
			case <-ctx.Done():
				return nil
			}
		case err, ok := <-iw.w.Error:
			if !ok {
				return errors.New("inotify: error stream closed")
			}
			return err
		}
	}
}

// SysfsSynthesizer triggers "change" uevents by writing to sysfs uevent files.
type SysfsSynthesizer struct {
	// Root is the sysfs mount point, "/sys" when empty.
	Root string
}

// Synthesize requests a change uevent for devpath. For a whole disk the
// partitions get one too, since writers to the disk may have changed them.
func (s SysfsSynthesizer) Synthesize(devpath string) error {
	root := s.Root
	if root == "" {
		root = "/sys"
	}
	dir := filepath.Join(root, devpath)
	if err := os.WriteFile(filepath.Join(dir, "uevent"), []byte("change"), 0); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		part := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(part, "partition")); err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(part, "uevent"), []byte("change"), 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
