package dataset

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the image files an ImageFolderDataset picks up.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

type folderItem struct {
	path  string
	label int
}

// ImageFolderDataset reads a <root>/<class>/<image> tree. Every
// subdirectory of root is a class; nested directories below a class are
// searched too.
type ImageFolderDataset struct {
	items     []folderItem
	classes   []string
	processor Processor
	loader    *ImageLoader
}

// NewImageFolderDataset scans root. Classes are indexed in sorted name
// order and files within a class in lexical path order.
func NewImageFolderDataset(root string, extensions []string, processor Processor, loader *ImageLoader) (*ImageFolderDataset, error) {
	if processor == nil {
		return nil, fmt.Errorf("image folder %s: no processor", root)
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &ImageFolderDataset{processor: processor, loader: loader}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := len(d.classes)
		d.classes = append(d.classes, entry.Name())
		err := filepath.WalkDir(filepath.Join(root, entry.Name()), func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !de.IsDir() && isImageFile(de.Name(), extensions) {
				d.items = append(d.items, folderItem{path: path, label: label})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan class %s: %w", entry.Name(), err)
		}
	}
	if len(d.items) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

func isImageFile(name string, extensions []string) bool {
	ext := filepath.Ext(name)
	return slices.ContainsFunc(extensions, func(e string) bool { return strings.EqualFold(e, ext) })
}

func (d *ImageFolderDataset) Len() int { return len(d.items) }

func (d *ImageFolderDataset) Item(index int) (Sample, error) {
	if err := checkIndex(index, len(d.items)); err != nil {
		return Sample{}, err
	}
	it := d.items[index]
	return loadSample(d.loader, d.processor, it.path, it.label)
}

func (d *ImageFolderDataset) NumClasses() int { return len(d.classes) }

// ClassNames returns the class folder names indexed by label.
func (d *ImageFolderDataset) ClassNames() []string { return d.classes }

// ClassDistribution counts images per class name.
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classes))
	for _, it := range d.items {
		dist[d.classes[it.label]]++
	}
	return dist
}

// Split partitions the images into two datasets with a permutation drawn
// from seed; the first receives the leading ratio share.
func (d *ImageFolderDataset) Split(ratio float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset) {
	perm := rand.New(rand.NewSource(seed)).Perm(len(d.items))
	cut := int(float64(len(perm)) * ratio)
	return d.pick(perm[:cut]), d.pick(perm[cut:])
}

func (d *ImageFolderDataset) pick(indices []int) *ImageFolderDataset {
	out := &ImageFolderDataset{
		items:     make([]folderItem, len(indices)),
		classes:   d.classes,
		processor: d.processor,
		loader:    d.loader,
	}
	for i, idx := range indices {
		out.items[i] = d.items[idx]
	}
	return out
}
