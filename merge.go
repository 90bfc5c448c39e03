package nxstools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/scigolib/nxstools/filewriter"
)

// Suffixes of the files a merge leaves next to its target.
const (
	TempSuffix   = ".__mergetmp__"
	BackupSuffix = ".__merge_old__"
)

// MergeOptions selects how Merge runs.
type MergeOptions struct {
	// Backend opens the target. Required.
	Backend filewriter.Backend
	// Test runs every resolution and load without modifying anything.
	Test bool
	// Replace overwrites the target without keeping a backup copy.
	Replace bool
	// InputFiles and Path request a single manual collection instead of a
	// walk over the markers of the file.
	InputFiles string
	Path       string
	// Options configure the collector.
	Options []Option
}

// Merge collects the images referenced by target into it.
//
// The work happens on a copy, <target>.__mergetmp__. On success the
// original is kept as <target>.__merge_old__ (unless Replace is set) and
// the copy takes its place; on failure the copy is removed and target is
// left as it was. In test mode target is opened read-only and nothing is
// written.
func Merge(ctx context.Context, target string, opts MergeOptions) (*MergeReport, error) {
	if opts.Backend == nil {
		return nil, errors.New("merge needs a filewriter backend")
	}
	s := newSettings(opts.Options)
	fs := s.fs

	if ok, err := afero.Exists(fs, target); err != nil || !ok {
		return nil, fmt.Errorf("%s: %w", target, errors.Join(afero.ErrFileNotFound, err))
	}

	rep := &MergeReport{Target: target, TestMode: opts.Test}
	collectorOpts := append([]Option{WithBackend(opts.Backend)}, opts.Options...)
	collectorOpts = append(collectorOpts, WithMasterFile(target), WithTestMode(opts.Test))

	if opts.Test {
		f, err := opts.Backend.OpenFile(target, true)
		if err != nil {
			return nil, err
		}
		c := NewCollector(f, collectorOpts...)
		err = run(ctx, c, f, opts)
		rep.Collections, rep.Interrupted = c.Reports(), c.Interrupted()
		return rep, errors.Join(err, f.Close())
	}

	tmp := target + TempSuffix
	if err := copyFile(fs, target, tmp); err != nil {
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("working copy: %w", err)
	}
	s.log.Debug().Str("copy", tmp).Msg("working copy created")

	f, err := opts.Backend.OpenFile(tmp, false)
	if err != nil {
		_ = fs.Remove(tmp)
		return nil, err
	}
	c := NewCollector(f, collectorOpts...)
	err = run(ctx, c, f, opts)
	rep.Collections, rep.Interrupted = c.Reports(), c.Interrupted()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return rep, err
	}

	if !opts.Replace {
		rep.Backup = target + BackupSuffix
		if err := fs.Rename(target, rep.Backup); err != nil {
			_ = fs.Remove(tmp)
			return rep, fmt.Errorf("backup: %w", err)
		}
	}
	if err := fs.Rename(tmp, target); err != nil {
		if rep.Backup != "" {
			_ = fs.Rename(rep.Backup, target)
		}
		_ = fs.Remove(tmp)
		return rep, fmt.Errorf("replace: %w", err)
	}
	s.log.Info().
		Str("target", target).
		Uint64("frames", rep.Frames()).
		Bool("interrupted", rep.Interrupted).
		Msg("merge committed")
	return rep, nil
}

func run(ctx context.Context, c *Collector, f filewriter.File, opts MergeOptions) error {
	if opts.InputFiles != "" || opts.Path != "" {
		if opts.InputFiles == "" || opts.Path == "" {
			return errors.New("manual collection needs both input files and a path")
		}
		_, err := c.CollectPath(ctx, opts.Path, opts.InputFiles)
		return err
	}
	root, err := f.Root()
	if err != nil {
		return err
	}
	return c.Inspect(ctx, root)
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
