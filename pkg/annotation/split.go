// Package annotation splits a tiled dataset into train, validation and test
// annotation files.
package annotation

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"wsitiler/internal/models"
)

// Row is one annotated slide directory.
type Row struct {
	Path   string
	Target int
}

// Sets holds the three dataset splits.
type Sets struct {
	Train []Row
	Valid []Row
	Test  []Row
}

// List returns the slide directories of loadDir: every entry of tumor/
// (target 1) followed by every entry of normal/ (target 0), each in name
// order. A missing label directory contributes no rows.
func List(loadDir string) ([]Row, error) {
	var rows []Row
	for _, label := range []models.Label{models.LabelTumor, models.LabelNormal} {
		dir := filepath.Join(loadDir, string(label))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			rows = append(rows, Row{Path: filepath.Join(dir, name), Target: label.Target()})
		}
	}
	return rows, nil
}

// Split lists loadDir and draws validSize rows for validation, then testSize
// of the remaining rows for test. The rest is the training set. Each set keeps
// the listing order. The same seed gives the same split.
func Split(loadDir string, validSize, testSize int, seed int64) (Sets, error) {
	rows, err := List(loadDir)
	if err != nil {
		return Sets{}, err
	}
	return SplitRows(rows, validSize, testSize, seed)
}

// SplitRows splits rows as Split does.
func SplitRows(rows []Row, validSize, testSize int, seed int64) (Sets, error) {
	if validSize < 0 || testSize < 0 {
		return Sets{}, fmt.Errorf("split sizes must be non-negative, got valid=%d test=%d", validSize, testSize)
	}
	if validSize+testSize > len(rows) {
		return Sets{}, fmt.Errorf("cannot draw %d validation and %d test rows from %d slides",
			validSize, testSize, len(rows))
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))

	valid, rest := draw(rng, rows, validSize)
	test, train := draw(rng, rest, testSize)

	return Sets{Train: train, Valid: valid, Test: test}, nil
}

// draw picks n distinct rows at random and returns them together with the
// rows left over, both in input order.
func draw(rng *rand.Rand, rows []Row, n int) (picked, rest []Row) {
	chosen := make(map[int]bool, n)
	for _, i := range rng.Perm(len(rows))[:n] {
		chosen[i] = true
	}

	for i, r := range rows {
		if chosen[i] {
			picked = append(picked, r)
		} else {
			rest = append(rest, r)
		}
	}
	return picked, rest
}

// WriteSets writes train.csv, valid.csv and test.csv to saveDir.
func WriteSets(saveDir string, sets Sets) error {
	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return fmt.Errorf("error creating annotation directory: %w", err)
	}

	for _, set := range []struct {
		name string
		rows []Row
	}{
		{"train", sets.Train},
		{"valid", sets.Valid},
		{"test", sets.Test},
	} {
		if err := writeCSV(filepath.Join(saveDir, set.name+".csv"), set.rows); err != nil {
			return err
		}
	}
	return nil
}

// writeCSV writes rows as path,target lines without a header. Paths are
// written verbatim.
func writeCSV(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, r := range rows {
		w.WriteString(r.Path)
		w.WriteByte(',')
		w.WriteString(strconv.Itoa(r.Target))
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}
