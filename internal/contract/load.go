package contract

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// LoadError reports a contracts directory that cannot be loaded.
type LoadError struct {
	Dir     string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contracts %s: %s: %v", e.Dir, e.Message, e.Err)
	}
	return fmt.Sprintf("contracts %s: %s", e.Dir, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadDir compiles every contract declared under the top-level `contract`
// struct of the *.cue files in dir. Each file is compiled on its own and the
// results are unified, so a package clause is optional. An empty dir string
// yields an empty Set.
func LoadDir(dir string) (Set, error) {
	if dir == "" {
		return Set{}, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Dir: dir, Message: "cannot access directory", Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Dir: dir, Message: "not a directory"}
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, &LoadError{Dir: dir, Message: "scanning directory", Err: err}
	}
	if len(files) == 0 {
		return Set{}, nil
	}

	ctx := cuecontext.New()
	var value cue.Value
	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, &LoadError{Dir: dir, Message: "reading " + filepath.Base(file), Err: err}
		}
		v := ctx.CompileBytes(data, cue.Filename(file))
		if err := v.Err(); err != nil {
			return nil, &LoadError{Dir: dir, Message: "loading CUE files", Err: formatCUEError(err)}
		}
		if i == 0 {
			value = v
			continue
		}
		value = value.Unify(v)
	}

	if err := value.Err(); err != nil {
		return nil, &LoadError{Dir: dir, Message: "building CUE value", Err: formatCUEError(err)}
	}
	return compileSet(value)
}

// CompileSource compiles contracts from CUE source text.
func CompileSource(src string) (Set, error) {
	value := cuecontext.New().CompileString(src)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileSet(value)
}

func compileSet(value cue.Value) (Set, error) {
	set := Set{}
	cv := value.LookupPath(cue.ParsePath("contract"))
	if !cv.Exists() {
		return set, nil
	}

	iter, err := cv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		c, err := Compile(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", iter.Label(), err)
		}
		c.Tier = iter.Label()
		set[c.Tier] = *c
	}
	return set, nil
}
