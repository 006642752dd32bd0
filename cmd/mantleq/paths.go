package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/mantleq/internal/quantizer"
)

const envMantleqOutDir = "MANTLEQ_OUT_DIR"

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveOutputPath returns <outDir>/<model>_<recipe>.mcf. The directory
// defaults to $MANTLEQ_OUT_DIR, then to the model's own directory.
func resolveOutputPath(model, recipeName, outDir string) string {
	outDir = strings.TrimSpace(outDir)
	if outDir == "" {
		outDir = strings.TrimSpace(os.Getenv(envMantleqOutDir))
	}
	if outDir == "" {
		outDir = filepath.Dir(filepath.Clean(model))
	}
	return filepath.Join(outDir, quantizer.OutputName(model, recipeName))
}

// confirmOverwrite reports whether path may be written. A missing file is
// always writable; an existing one needs a "y" answer on an interactive
// stdin.
func confirmOverwrite(path string, stdin io.Reader, stderr io.Writer) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	if !stdinIsTTY() {
		return false, fmt.Errorf("%s exists and stdin is not interactive; pass --overwrite", path)
	}

	_, _ = fmt.Fprintf(stderr, "quantize: %s exists, overwrite? [y/N]: ", path)
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
