package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/keel/internal/worlds"
)

// Load error codes.
const (
	ErrCodeNotFound    = "E001" // path not found
	ErrCodeNoFiles     = "E002" // no CUE files found
	ErrCodeLoadFailed  = "E003" // CUE load failed
	ErrCodeBuildFailed = "E004" // CUE build failed
	ErrCodeNoWorlds    = "E005" // no world: entries
	ErrCodeCompile     = "E006" // a world failed to compile
)

// LoadError represents an error that occurred while loading world files.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadWorlds loads every world defined under the top-level "world" field of
// a CUE file or package directory. Worlds are returned sorted by name.
func LoadWorlds(path string) ([]*worlds.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("world path not found: %s", path)}
	}

	var args []string
	cfg := &load.Config{}
	if info.IsDir() {
		files, err := FindCUEFiles(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("error scanning directory: %v", err)}
		}
		if len(files) == 0 {
			return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}
		}
		cfg.Dir = path
		args = []string{"."}
	} else {
		cfg.Dir = filepath.Dir(path)
		args = []string{filepath.Base(path)}
	}

	instances := load.Instances(args, cfg)
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return CompileWorlds(value)
}

// CompileWorlds compiles every field of v's top-level "world" struct.
func CompileWorlds(v cue.Value) ([]*worlds.Definition, error) {
	wv := v.LookupPath(cue.ParsePath("world"))
	if !wv.Exists() {
		return nil, &LoadError{Code: ErrCodeNoWorlds, Message: "no world definitions found"}
	}
	iter, err := wv.Fields()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("iterating worlds: %v", err)}
	}
	var out []*worlds.Definition
	for iter.Next() {
		def, err := CompileWorld(iter.Value())
		if err != nil {
			return nil, convertCompileError(err, "world."+iter.Label())
		}
		out = append(out, def)
	}
	if len(out) == 0 {
		return nil, &LoadError{Code: ErrCodeNoWorlds, Message: "no world definitions found"}
	}
	slices.SortFunc(out, func(a, b *worlds.Definition) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Message: fmt.Sprintf("%s: %s: %s", context, compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeCompile,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}
