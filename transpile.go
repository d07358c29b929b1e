package jsbridge

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// TranspileLoader loads sources through Base and converts TypeScript, JSX
// and ES module files to CommonJS the engine can run. Other files pass
// through unchanged.
type TranspileLoader struct {
	Base   Loader // FileLoader when nil
	Target esbuild.Target
}

// NewLoader returns the default loader: a TranspileLoader over the file
// system.
func NewLoader() *TranspileLoader {
	return &TranspileLoader{Base: FileLoader{}, Target: esbuild.ES2017}
}

var transpileLoaders = map[string]esbuild.Loader{
	".ts":  esbuild.LoaderTS,
	".mts": esbuild.LoaderTS,
	".cts": esbuild.LoaderTS,
	".tsx": esbuild.LoaderTSX,
	".jsx": esbuild.LoaderJSX,
	".mjs": esbuild.LoaderJS,
}

func (l *TranspileLoader) Load(path string) (string, error) {
	base := l.Base
	if base == nil {
		base = FileLoader{}
	}
	src, err := base.Load(path)
	if err != nil {
		return "", err
	}
	loader, ok := transpileLoaders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return src, nil
	}
	return Transpile(src, path, loader, l.Target)
}

// Transpile converts src to CommonJS for the given esbuild loader. Zero
// target means ES2017.
func Transpile(src, path string, loader esbuild.Loader, target esbuild.Target) (string, error) {
	if target == esbuild.DefaultTarget {
		target = esbuild.ES2017
	}
	result := esbuild.Transform(src, esbuild.TransformOptions{
		Loader:     loader,
		Format:     esbuild.FormatCommonJS,
		Target:     target,
		Sourcefile: path,
		Sourcemap:  esbuild.SourceMapInline,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", e.Location.File, e.Location.Line, e.Location.Column, e.Text))
			} else {
				msgs = append(msgs, e.Text)
			}
		}
		return "", fmt.Errorf("jsbridge: transpile %s: %w", path, errors.New(strings.Join(msgs, "; ")))
	}
	return string(result.Code), nil
}
