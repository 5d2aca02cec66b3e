package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/server"
	"github.com/oda/memline/internal/swapfile"
	"github.com/oda/memline/pkg/memline"
)

// InfoCmd shows block 0 of swap files.
type InfoCmd struct {
	Swap   []string `arg:"" help:"Swap files" type:"existingfile"`
	Digest bool     `help:"Print the BLAKE3 digest of each swap file"`
}

func (c *InfoCmd) Run(a *app) error {
	for i, name := range c.Swap {
		if i > 0 {
			fmt.Println()
		}
		if err := printInfo(os.Stdout, name, c.Digest); err != nil {
			return err
		}
	}
	return nil
}

func printInfo(w io.Writer, name string, digest bool) error {
	fmt.Fprintf(w, "%s\n", name)
	info, err := swapfile.ReadInfo(name)
	if err != nil {
		fmt.Fprintf(w, "          [%v]\n", err)
	} else {
		writeInfo(w, info)
	}
	if digest {
		sum, err := fileDigest(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "          blake3: %s\n", sum)
	}
	return nil
}

func writeInfo(w io.Writer, info *swapfile.Info) {
	fmt.Fprintf(w, "          owned by: %s", info.User)
	fmt.Fprintf(w, "   dated: %s\n", info.Modified.Format(time.ANSIC))
	fmt.Fprintf(w, "         file name: %s\n", info.FileName)
	if info.Mtime != 0 {
		fmt.Fprintf(w, "                    dated: %s\n", time.Unix(info.Mtime, 0).Format(time.ANSIC))
	}
	fmt.Fprintf(w, "          modified: %s\n", yesNo(info.Dirty))
	fmt.Fprintf(w, "         user name: %s   host name: %s\n", info.User, info.Host)
	state := ""
	if info.Running {
		state = " (STILL RUNNING)"
	}
	fmt.Fprintf(w, "        process ID: %d%s\n", info.Pid, state)
	if info.HasFileFormat {
		fmt.Fprintf(w, "        fileformat: %s\n", memline.FileFormat(info.FileFormat))
	}
	if info.Encoding != "" {
		fmt.Fprintf(w, "          encoding: %s\n", info.Encoding)
	}
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "no"
}

func fileDigest(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "read %s", name)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ListCmd lists swap files the way "vim -r" does.
type ListCmd struct {
	File string `arg:"" optional:"" help:"Edited file; all swap files when omitted"`
}

func (c *ListCmd) Run(a *app) error {
	fname, err := absOrEmpty(c.File)
	if err != nil {
		return err
	}
	names, err := swapfile.RecoverNames(fname, a.cfg.Swap.Dirs, "")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("-- none --")
		return nil
	}
	for i, name := range names {
		fmt.Printf("%d.    %s\n", i+1, filepath.Base(name))
		if info, err := swapfile.ReadInfo(name); err != nil {
			fmt.Printf("          [%v]\n", err)
		} else {
			writeInfo(os.Stdout, info)
		}
	}
	return nil
}

// RecoverCmd writes the recovered text of a file.
type RecoverCmd struct {
	File   string `arg:"" optional:"" help:"Edited file, or a swap file"`
	Swap   string `help:"Swap file to recover from" type:"existingfile"`
	Index  int    `short:"n" help:"Pick one of several swap files, counting from 1"`
	Out    string `short:"o" help:"Output file; stdout when omitted or -" default:"-"`
	Xz     bool   `help:"Compress the output with xz"`
	Delete bool   `help:"Delete the swap file after a recovery without errors"`
}

func (c *RecoverCmd) Run(a *app) error {
	if c.File == "" && c.Swap == "" {
		return errors.New("a file or --swap is required")
	}
	fname, err := absOrEmpty(c.File)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ml, res, err := memline.Recover(ctx, memline.RecoverOptions{
		SwapName: c.Swap,
		FileName: fname,
		Dirs:     a.cfg.Swap.Dirs,
		Index:    c.Index,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	defer ml.Close(true)

	if err := writeOutput(c.Out, c.Xz, ml); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "recovered %d lines of %s from %s\n", res.Lines, res.FileName, res.SwapName)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if res.Modified {
		fmt.Fprintln(os.Stderr, "the recovered text differs from the file")
	}
	if err := res.Err(); err != nil {
		return err
	}
	if c.Delete {
		if err := os.Remove(res.SwapName); err != nil {
			return err
		}
		a.log.Info("swap file deleted", zap.String("swap", res.SwapName))
	}
	return nil
}

// DumpCmd prints the block tree of a swap file.
type DumpCmd struct {
	Swap string `arg:"" help:"Swap file" type:"existingfile"`
	Out  string `short:"o" help:"Output file; stdout when omitted or -" default:"-"`
	Xz   bool   `help:"Compress the output with xz"`
}

func (c *DumpCmd) Run(a *app) error {
	w, closeOut, err := openOutput(c.Out, c.Xz)
	if err != nil {
		return err
	}
	if err := dumpSwap(w, c.Swap, a.log); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Host string `help:"Listen host; overrides the configuration"`
	Port int    `short:"p" help:"Listen port; overrides the configuration"`
}

func (c *ServeCmd) Run(a *app) error {
	if c.Host != "" {
		a.cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		a.cfg.Server.Port = c.Port
	}
	s, err := server.New(a.cfg, a.log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := s.Run(ctx)
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("memline %s\n", version)
	return nil
}

func absOrEmpty(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return filepath.Abs(path)
}
