package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultLabelColumn is the CSV column holding the class index.
const DefaultLabelColumn = "index"

// SplitPath returns the annotation file of a split under dataDir.
func SplitPath(dataDir, split string) string {
	return filepath.Join(dataDir, "csv_for_category", "data_"+split+".csv")
}

// CSVDataset reads samples from a CSV annotation file. The first column is
// the image path relative to the image root; the label comes from a named
// column.
type CSVDataset struct {
	paths     []string
	labels    []int
	processor Processor
	loader    *ImageLoader
}

// NewCSVDataset parses the annotation file. Rows are validated up front so
// a malformed file fails before training starts.
func NewCSVDataset(csvPath, root, labelColumn string, processor Processor, loader *ImageLoader) (*CSVDataset, error) {
	if processor == nil {
		return nil, fmt.Errorf("csv dataset %s: no processor", csvPath)
	}
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", csvPath, err)
	}
	labelIdx := -1
	for i, name := range header {
		if strings.TrimSpace(name) == labelColumn {
			labelIdx = i
			break
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("%s: no %q column in header %v", csvPath, labelColumn, header)
	}

	ds := &CSVDataset{processor: processor, loader: loader}
	for line := 2; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", csvPath, err)
		}
		label, err := strconv.Atoi(strings.TrimSpace(record[labelIdx]))
		if err != nil || label < 0 {
			return nil, fmt.Errorf("%s:%d: invalid label %q", csvPath, line, record[labelIdx])
		}
		path := strings.TrimSpace(record[0])
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		ds.paths = append(ds.paths, path)
		ds.labels = append(ds.labels, label)
	}
	if len(ds.paths) == 0 {
		return nil, fmt.Errorf("%s: no samples", csvPath)
	}
	return ds, nil
}

// Len returns the number of items in the dataset
func (d *CSVDataset) Len() int { return len(d.paths) }

// Item loads and transforms sample index.
func (d *CSVDataset) Item(index int) (Sample, error) {
	if err := checkIndex(index, len(d.paths)); err != nil {
		return Sample{}, err
	}
	return loadSample(d.loader, d.processor, d.paths[index], d.labels[index])
}

// Labels returns the label of every row.
func (d *CSVDataset) Labels() []int { return d.labels }

// NumClasses is one more than the largest label.
func (d *CSVDataset) NumClasses() int {
	n := 0
	for _, l := range d.labels {
		if l+1 > n {
			n = l + 1
		}
	}
	return n
}
