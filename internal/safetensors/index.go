package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

const (
	SingleFileName = "model.safetensors"
	IndexFileName  = "model.safetensors.index.json"
)

// Checkpoint is a set of safetensors shards addressed by tensor name.
type Checkpoint struct {
	Dir    string
	shards []*File
	owner  map[string]*File
}

type shardIndex struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// OpenCheckpoint opens the checkpoint stored in dir. A sharded index takes
// precedence over a single model.safetensors file.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	indexPath := filepath.Join(dir, IndexFileName)
	if _, err := os.Stat(indexPath); err == nil {
		return openSharded(dir, indexPath)
	}
	single := filepath.Join(dir, SingleFileName)
	if _, err := os.Stat(single); err != nil {
		return nil, fmt.Errorf("no %s or %s in %s", SingleFileName, IndexFileName, dir)
	}
	return OpenFiles(dir, single)
}

// OpenFiles opens explicit shard paths as one checkpoint.
func OpenFiles(dir string, paths ...string) (*Checkpoint, error) {
	if len(paths) == 0 {
		return nil, errors.New("no safetensors files")
	}
	files := make([]*File, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			f, err := Open(p)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(files)
		return nil, err
	}

	ck := &Checkpoint{Dir: dir, shards: files, owner: make(map[string]*File)}
	for _, f := range files {
		for name := range f.Tensors {
			if prev, ok := ck.owner[name]; ok {
				closeAll(files)
				return nil, fmt.Errorf("tensor %s present in both %s and %s", name, prev.Path, f.Path)
			}
			ck.owner[name] = f
		}
	}
	return ck, nil
}

func openSharded(dir, indexPath string) (*Checkpoint, error) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", indexPath, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", indexPath)
	}

	var shardNames []string
	for _, shard := range idx.WeightMap {
		if !slices.Contains(shardNames, shard) {
			shardNames = append(shardNames, shard)
		}
	}
	slices.Sort(shardNames)
	paths := make([]string, len(shardNames))
	for i, s := range shardNames {
		paths[i] = filepath.Join(dir, s)
	}

	ck, err := OpenFiles(dir, paths...)
	if err != nil {
		return nil, err
	}
	for name, shard := range idx.WeightMap {
		f, ok := ck.owner[name]
		if !ok {
			_ = ck.Close()
			return nil, fmt.Errorf("tensor %s listed in index but missing from %s", name, shard)
		}
		if filepath.Base(f.Path) != shard {
			_ = ck.Close()
			return nil, fmt.Errorf("tensor %s found in %s, index says %s", name, filepath.Base(f.Path), shard)
		}
	}
	return ck, nil
}

func (c *Checkpoint) Tensor(name string) (TensorInfo, bool) {
	f, ok := c.owner[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

func (c *Checkpoint) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	f, ok := c.owner[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensorF32(name)
}

func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.owner))
	for name := range c.owner {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Checkpoint) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, f := range c.shards {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.shards = nil
	c.owner = nil
	return errors.Join(errs...)
}

func closeAll(files []*File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
