// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"go.nixrs.dev/nixrs/internal/aterm"
	"go.nixrs.dev/nixrs/internal/sortedset"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

// Derivation is the full on-disk representation of a store derivation
// (a ".drv" file): a [BasicDerivation] plus the information the worker
// protocol's wire form omits but the ATerm file format carries, namely
// the derivation's name and the store paths (and selected outputs) of
// the other derivations it was built from.
type Derivation struct {
	BasicDerivation

	// Name is the derivation's name, as opposed to any of its output
	// names: for a derivation whose store path is
	// "<hash>-hello-2.12.1.drv", Name is "hello-2.12.1".
	Name string

	// InputDerivations maps each derivation this derivation was built
	// from to the set of that derivation's output names that are
	// actually used.
	InputDerivations map[storepath.StorePath]*sortedset.Set[OutputName]
}

// MarshalATerm renders drv in the ATerm text format Nix uses for
// ".drv" files: Derive(outputs,inputDrvs,inputSrcs,system,builder,args,env).
func (drv *Derivation) MarshalATerm(dir storepath.StoreDir) ([]byte, error) {
	var buf []byte
	buf = append(buf, "Derive(["...)
	outNames := make([]OutputName, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outNames = append(outNames, name)
	}
	slices.Sort(outNames)
	for i, outName := range outNames {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = marshalDerivationOutput(buf, dir, string(outName), drv.Outputs[outName])
		if err != nil {
			return nil, fmt.Errorf("marshal derivation %s: %w", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	drvPaths := make([]storepath.StorePath, 0, len(drv.InputDerivations))
	for p := range drv.InputDerivations {
		drvPaths = append(drvPaths, p)
	}
	slices.Sort(drvPaths)
	for i, drvPath := range drvPaths {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, string(drvPath))
		buf = append(buf, ",["...)
		names := drv.InputDerivations[drvPath]
		for j := 0; j < names.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, string(names.At(j)))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSrcs.Len(); i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, string(drv.InputSrcs.At(i)))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.Platform)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	envKeys := make([]string, 0, len(drv.Env))
	for k := range drv.Env {
		envKeys = append(envKeys, k)
	}
	slices.Sort(envKeys)
	for i, k := range envKeys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)
	return buf, nil
}

func marshalDerivationOutput(dst []byte, dir storepath.StoreDir, name string, out DerivationOutput) ([]byte, error) {
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, name)
	switch out.Kind {
	case InputAddressed:
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, dir.Join(out.Path))
		dst = append(dst, `,"","")`...)
	case CAFixed:
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, dir.Join(out.Path))
		dst = append(dst, ',')
		h := out.CA.Hash()
		dst = aterm.AppendString(dst, caMethodPrefix(out.CA.Method())+h.Algorithm().String())
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, h.Base16())
		dst = append(dst, ')')
	case CAFloating, Impure:
		dst = append(dst, `,"",`...)
		dst = aterm.AppendString(dst, caMethodPrefix(out.MethodAlgorithm.Method)+out.MethodAlgorithm.Algorithm.String())
		dst = append(dst, `,"")`...)
	default:
		return dst, fmt.Errorf("output %s: unsupported kind %v", name, out.Kind)
	}
	return dst, nil
}

func caMethodPrefix(m storepath.CAMethod) string {
	if m == storepath.Recursive {
		return "r:"
	}
	return ""
}

// ParseDerivationATerm parses the ATerm text format Nix uses for
// ".drv" files. name is the derivation's name (typically the store
// path's base name with the ".drv" suffix and hash prefix stripped)
// and dir is the store directory that output paths in data are
// written under (as absolute paths, the form [MarshalATerm] writes).
// Input derivation and input source paths are read in their bare
// "<hash>-<name>" form.
func ParseDerivationATerm(dir storepath.StoreDir, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{
		Name:             name,
		InputDerivations: make(map[storepath.StorePath]*sortedset.Set[OutputName]),
		BasicDerivation: BasicDerivation{
			Outputs: make(map[OutputName]DerivationOutput),
		},
	}

	data, ok := bytes.CutPrefix(data, []byte("Derive(["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected \"Derive([\"", name)
	}

	for len(drv.Outputs) == 0 || !bytes.HasPrefix(data, []byte("]")) {
		if len(drv.Outputs) > 0 {
			var cutOK bool
			data, cutOK = bytes.CutPrefix(data, []byte(","))
			if !cutOK {
				return nil, fmt.Errorf("parse %s derivation: expected ',' between outputs", name)
			}
		}
		if bytes.HasPrefix(data, []byte("]")) {
			break
		}
		outName, out, rest, err := parseDerivationOutputTerm(dir, data)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: %w", name, err)
		}
		drv.Outputs[OutputName(outName)] = out
		data = rest
	}
	data, ok = bytes.CutPrefix(data, []byte("]"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ']' to close outputs list", name)
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected input derivations list after outputs list", name)
	}
	for !bytes.HasPrefix(data, []byte("]")) || len(drv.InputDerivations) == 0 {
		if len(drv.InputDerivations) > 0 {
			var cutOK bool
			data, cutOK = bytes.CutPrefix(data, []byte(","))
			if !cutOK {
				return nil, fmt.Errorf("parse %s derivation: expected ',' between input derivations", name)
			}
		}
		if bytes.HasPrefix(data, []byte("]")) {
			break
		}

		var cutOK bool
		data, cutOK = bytes.CutPrefix(data, []byte("("))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected '(' in input derivation", name)
		}
		drvPathString, rest, err := parseATermStringField(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input derivation path: %w", name, err)
		}
		data = rest
		storePath, err := storepath.Parse(drvPathString)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input derivation path %q: %w", name, drvPathString, err)
		}

		data, cutOK = bytes.CutPrefix(data, []byte(",["))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected output name list for %s", name, storePath)
		}
		outNames := new(sortedset.Set[OutputName])
		for !bytes.HasPrefix(data, []byte("]")) || outNames.Len() == 0 {
			if outNames.Len() > 0 {
				data, cutOK = bytes.CutPrefix(data, []byte(","))
				if !cutOK {
					return nil, fmt.Errorf("parse %s derivation: expected ',' between output names for %s", name, storePath)
				}
			}
			if bytes.HasPrefix(data, []byte("]")) {
				break
			}
			outName, rest, err := parseATermStringField(data)
			if err != nil {
				return nil, fmt.Errorf("parse %s derivation: output name for %s: %w", name, storePath, err)
			}
			outNames.Add(OutputName(outName))
			data = rest
		}
		data, cutOK = bytes.CutPrefix(data, []byte("]"))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected ']' to close output names for %s", name, storePath)
		}
		data, cutOK = bytes.CutPrefix(data, []byte(")"))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected ')' after input derivation %s", name, storePath)
		}
		drv.InputDerivations[storePath] = outNames
	}
	data, ok = bytes.CutPrefix(data, []byte("]"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ']' to close input derivations list", name)
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected input sources list", name)
	}
	for !bytes.HasPrefix(data, []byte("]")) || drv.InputSrcs.Len() == 0 {
		if drv.InputSrcs.Len() > 0 {
			var cutOK bool
			data, cutOK = bytes.CutPrefix(data, []byte(","))
			if !cutOK {
				return nil, fmt.Errorf("parse %s derivation: expected ',' between input sources", name)
			}
		}
		if bytes.HasPrefix(data, []byte("]")) {
			break
		}
		srcString, rest, err := parseATermStringField(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input source: %w", name, err)
		}
		src, err := storepath.Parse(srcString)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: input source %q: %w", name, srcString, err)
		}
		drv.InputSrcs.Add(src)
		data = rest
	}
	data, ok = bytes.CutPrefix(data, []byte("]"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ']' to close input sources list", name)
	}

	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ',' after input sources list", name)
	}
	var err error
	drv.Platform, data, err = parseATermStringField(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: system: %w", name, err)
	}

	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ',' after system", name)
	}
	drv.Builder, data, err = parseATermStringField(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: builder: %w", name, err)
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected args list after builder", name)
	}
	for !bytes.HasPrefix(data, []byte("]")) || len(drv.Args) == 0 {
		if len(drv.Args) > 0 {
			var cutOK bool
			data, cutOK = bytes.CutPrefix(data, []byte(","))
			if !cutOK {
				return nil, fmt.Errorf("parse %s derivation: expected ',' between args", name)
			}
		}
		if bytes.HasPrefix(data, []byte("]")) {
			break
		}
		arg, rest, err := parseATermStringField(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: arg: %w", name, err)
		}
		drv.Args = append(drv.Args, arg)
		data = rest
	}
	data, ok = bytes.CutPrefix(data, []byte("]"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ']' to close args list", name)
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected env list after args", name)
	}
	drv.Env = make(map[string]string)
	for !bytes.HasPrefix(data, []byte("]")) || len(drv.Env) == 0 {
		if len(drv.Env) > 0 {
			var cutOK bool
			data, cutOK = bytes.CutPrefix(data, []byte(","))
			if !cutOK {
				return nil, fmt.Errorf("parse %s derivation: expected ',' between env entries", name)
			}
		}
		if bytes.HasPrefix(data, []byte("]")) {
			break
		}
		var cutOK bool
		data, cutOK = bytes.CutPrefix(data, []byte("("))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected '(' in env entry", name)
		}
		key, rest, err := parseATermStringField(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env key: %w", name, err)
		}
		data = rest
		data, cutOK = bytes.CutPrefix(data, []byte(","))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected ',' after env key %q", name, key)
		}
		value, rest2, err := parseATermStringField(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env value for %q: %w", name, key, err)
		}
		data = rest2
		data, cutOK = bytes.CutPrefix(data, []byte(")"))
		if !cutOK {
			return nil, fmt.Errorf("parse %s derivation: expected ')' after env entry %q", name, key)
		}
		drv.Env[key] = value
	}
	data, ok = bytes.CutPrefix(data, []byte("]"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ']' to close env list", name)
	}

	data, ok = bytes.CutPrefix(data, []byte(")"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: expected ')' to close derivation", name)
	}
	if len(data) > 0 {
		return nil, fmt.Errorf("parse %s derivation: trailing data", name)
	}
	return drv, nil
}

func parseDerivationOutputTerm(dir storepath.StoreDir, data []byte) (outName string, out DerivationOutput, tail []byte, err error) {
	data, ok := bytes.CutPrefix(data, []byte("("))
	if !ok {
		return "", DerivationOutput{}, data, fmt.Errorf("parse output: expected '('")
	}
	outName, data, err = parseATermStringField(data)
	if err != nil {
		return "", DerivationOutput{}, data, fmt.Errorf("parse output: name: %w", err)
	}

	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: expected ',' after name", outName)
	}
	pathString, data, err := parseATermStringField(data)
	if err != nil {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: path: %w", outName, err)
	}

	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: expected ',' after path", outName)
	}
	caInfo, data, err := parseATermStringField(data)
	if err != nil {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: hash algorithm: %w", outName, err)
	}

	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: expected ',' after hash algorithm", outName)
	}
	hashHex, data, err := parseATermStringField(data)
	if err != nil {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: hash: %w", outName, err)
	}

	data, ok = bytes.CutPrefix(data, []byte(")"))
	if !ok {
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: expected ')' after hash", outName)
	}

	switch {
	case caInfo == "" && hashHex == "":
		if pathString == "" {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: missing path", outName)
		}
		path, _, err := dir.ParsePath(pathString)
		if err != nil {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: path %q: %w", outName, pathString, err)
		}
		return outName, DerivationOutput{Kind: InputAddressed, Path: path}, data, nil
	case pathString == "" && hashHex == "":
		method, algo, err := parseCAMethodAlgorithm(caInfo)
		if err != nil {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: hash algorithm: %w", outName, err)
		}
		return outName, DerivationOutput{
			Kind:            CAFloating,
			MethodAlgorithm: storepath.ContentAddressMethodAlgorithm{Method: method, Algorithm: algo},
		}, data, nil
	case hashHex != "":
		method, algo, err := parseCAMethodAlgorithm(caInfo)
		if err != nil {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: hash algorithm: %w", outName, err)
		}
		hashBytes, err := hex.DecodeString(hashHex)
		if err != nil {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: hash: %w", outName, err)
		}
		h, err := nixhash.New(algo, hashBytes)
		if err != nil {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: hash: %w", outName, err)
		}
		var ca storepath.ContentAddress
		switch method {
		case storepath.Text:
			ca = storepath.TextContentAddress(h)
		case storepath.Recursive:
			ca = storepath.RecursiveContentAddress(h)
		default:
			ca = storepath.FlatContentAddress(h)
		}
		path, _, err := dir.ParsePath(pathString)
		if err != nil {
			return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: path %q: %w", outName, pathString, err)
		}
		return outName, DerivationOutput{Kind: CAFixed, Path: path, CA: ca}, data, nil
	default:
		return outName, DerivationOutput{}, data, fmt.Errorf("parse %s output: inconsistent fields", outName)
	}
}

func parseCAMethodAlgorithm(s string) (storepath.CAMethod, nixhash.Algorithm, error) {
	method := storepath.Flat
	switch {
	case strings.HasPrefix(s, "r:"):
		method = storepath.Recursive
		s = strings.TrimPrefix(s, "r:")
	case strings.HasPrefix(s, "text:"):
		method = storepath.Text
		s = strings.TrimPrefix(s, "text:")
	}
	algo, err := nixhash.ParseAlgorithm(s)
	if err != nil {
		return method, 0, err
	}
	return method, algo, nil
}

// parseATermStringField reads a single quoted ATerm string from the
// front of data and returns its decoded value along with the
// remainder of data.
func parseATermStringField(data []byte) (value string, tail []byte, err error) {
	r := bytes.NewReader(data)
	sc := aterm.NewScanner(r)
	tok, err := sc.ReadToken()
	if err != nil {
		return "", data, err
	}
	if tok.Kind != aterm.String {
		return "", data, fmt.Errorf("expected string, got %v", tok.Kind)
	}
	return tok.Value, data[len(data)-r.Len():], nil
}
