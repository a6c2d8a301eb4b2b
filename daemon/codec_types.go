// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"strings"
	"time"

	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

// ReadClientOptions reads the ClientOptions payload of a SetOptions
// request.
func (nr *NixReader) ReadClientOptions() (ClientOptions, error) {
	var opts ClientOptions
	var err error
	if opts.KeepFailed, err = nr.ReadBool(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: keepFailed: %w", err)
	}
	if opts.KeepGoing, err = nr.ReadBool(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: keepGoing: %w", err)
	}
	if opts.TryFallback, err = nr.ReadBool(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: tryFallback: %w", err)
	}
	verbosity, err := nr.ReadUint64()
	if err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: verbosity: %w", err)
	}
	opts.Verbosity = Verbosity(verbosity)
	if opts.MaxBuildJobs, err = nr.ReadInt64(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: maxBuildJobs: %w", err)
	}
	if opts.MaxSilentTime, err = nr.ReadDuration(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: maxSilentTime: %w", err)
	}
	if _, err := nr.ReadBool(); err != nil { // useBuildHook, obsolete, ignored
		return ClientOptions{}, fmt.Errorf("read client options: useBuildHook: %w", err)
	}
	if opts.VerboseBuild, err = nr.ReadBool(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: verboseBuild: %w", err)
	}
	if _, err := nr.ReadUint64(); err != nil { // logType, obsolete, ignored
		return ClientOptions{}, fmt.Errorf("read client options: logType: %w", err)
	}
	if _, err := nr.ReadUint64(); err != nil { // printBuildTrace, obsolete, ignored
		return ClientOptions{}, fmt.Errorf("read client options: printBuildTrace: %w", err)
	}
	if opts.BuildCores, err = nr.ReadInt64(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: buildCores: %w", err)
	}
	if opts.UseSubstitutes, err = nr.ReadBool(); err != nil {
		return ClientOptions{}, fmt.Errorf("read client options: useSubstitutes: %w", err)
	}
	if nr.Version().AtLeast(1, 12) {
		n, err := nr.ReadUint64()
		if err != nil {
			return ClientOptions{}, fmt.Errorf("read client options: other settings count: %w", err)
		}
		opts.OtherSettings = make(map[string]string, n)
		for i := uint64(0); i < n; i++ {
			k, err := nr.ReadString()
			if err != nil {
				return ClientOptions{}, fmt.Errorf("read client options: other setting %d key: %w", i, err)
			}
			v, err := nr.ReadString()
			if err != nil {
				return ClientOptions{}, fmt.Errorf("read client options: other setting %d value: %w", i, err)
			}
			opts.OtherSettings[k] = v
		}
	}
	return opts, nil
}

// WriteClientOptions writes the ClientOptions payload of a SetOptions
// request.
func (nw *NixWriter) WriteClientOptions(opts ClientOptions) error {
	if err := nw.WriteBool(opts.KeepFailed); err != nil {
		return err
	}
	if err := nw.WriteBool(opts.KeepGoing); err != nil {
		return err
	}
	if err := nw.WriteBool(opts.TryFallback); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(opts.Verbosity)); err != nil {
		return err
	}
	if err := nw.WriteInt64(opts.MaxBuildJobs); err != nil {
		return err
	}
	if err := nw.WriteDuration(opts.MaxSilentTime); err != nil {
		return err
	}
	if err := nw.WriteBool(false); err != nil { // useBuildHook
		return err
	}
	if err := nw.WriteBool(opts.VerboseBuild); err != nil {
		return err
	}
	if err := nw.WriteUint64(0); err != nil { // logType
		return err
	}
	if err := nw.WriteUint64(0); err != nil { // printBuildTrace
		return err
	}
	if err := nw.WriteInt64(opts.BuildCores); err != nil {
		return err
	}
	if err := nw.WriteBool(opts.UseSubstitutes); err != nil {
		return err
	}
	if nw.Version().AtLeast(1, 12) {
		if err := nw.WriteUint64(uint64(len(opts.OtherSettings))); err != nil {
			return err
		}
		for k, v := range opts.OtherSettings {
			if err := nw.WriteString(k); err != nil {
				return err
			}
			if err := nw.WriteString(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSingleDerivedPath reads a [SingleDerivedPath].
func (nr *NixReader) ReadSingleDerivedPath() (SingleDerivedPath, error) {
	s, err := nr.ReadString()
	if err != nil {
		return SingleDerivedPath{}, err
	}
	return parseSingleDerivedPath(s)
}

// WriteSingleDerivedPath writes a [SingleDerivedPath].
func (nw *NixWriter) WriteSingleDerivedPath(p SingleDerivedPath) error {
	return nw.WriteString(singleDerivedPathString(p))
}

func singleDerivedPathString(p SingleDerivedPath) string {
	if !p.IsBuilt() {
		return string(p.Opaque)
	}
	return singleDerivedPathString(*p.DrvPath) + "!" + string(p.Output)
}

func parseSingleDerivedPath(s string) (SingleDerivedPath, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '!' {
			base, err := parseSingleDerivedPath(s[:i])
			if err != nil {
				return SingleDerivedPath{}, err
			}
			return SingleDerivedPath{DrvPath: &base, Output: OutputName(s[i+1:])}, nil
		}
	}
	sp, err := storepath.Parse(s)
	if err != nil {
		return SingleDerivedPath{}, fmt.Errorf("parse derived path %q: %w", s, err)
	}
	return SingleDerivedPath{Opaque: sp}, nil
}

// ReadDerivedPath reads a [DerivedPath]: a store path, optionally
// followed by a "!<outputSpec>" suffix.
func (nr *NixReader) ReadDerivedPath() (DerivedPath, error) {
	s, err := nr.ReadString()
	if err != nil {
		return DerivedPath{}, err
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '!' {
			base, err := parseSingleDerivedPath(s[:i])
			if err != nil {
				return DerivedPath{}, err
			}
			spec, err := ParseOutputSpec(s[i+1:])
			if err != nil {
				return DerivedPath{}, err
			}
			return DerivedPath{DrvPath: &base, Outputs: spec}, nil
		}
	}
	sp, err := storepath.Parse(s)
	if err != nil {
		return DerivedPath{}, fmt.Errorf("parse derived path %q: %w", s, err)
	}
	return DerivedPath{Opaque: sp}, nil
}

// WriteDerivedPath writes a [DerivedPath].
func (nw *NixWriter) WriteDerivedPath(p DerivedPath) error {
	if !p.IsBuilt() {
		return nw.WriteStorePath(p.Opaque)
	}
	return nw.WriteString(singleDerivedPathString(*p.DrvPath) + "!" + p.Outputs.String())
}

// ReadDerivedPathSlice reads a length-prefixed sequence of derived
// paths.
func (nr *NixReader) ReadDerivedPathSlice() ([]DerivedPath, error) {
	n, err := nr.ReadUint64()
	if err != nil {
		return nil, err
	}
	paths := make([]DerivedPath, n)
	for i := range paths {
		paths[i], err = nr.ReadDerivedPath()
		if err != nil {
			return nil, fmt.Errorf("read derived path slice: element %d: %w", i, err)
		}
	}
	return paths, nil
}

// WriteDerivedPathSlice writes a length-prefixed sequence of derived
// paths.
func (nw *NixWriter) WriteDerivedPathSlice(paths []DerivedPath) error {
	if err := nw.WriteUint64(uint64(len(paths))); err != nil {
		return err
	}
	for _, p := range paths {
		if err := nw.WriteDerivedPath(p); err != nil {
			return err
		}
	}
	return nil
}

// ReadBasicDerivation reads a [BasicDerivation].
func (nr *NixReader) ReadBasicDerivation(drvPath storepath.StorePath) (BasicDerivation, error) {
	drv := BasicDerivation{DrvPath: drvPath}
	n, err := nr.ReadUint64()
	if err != nil {
		return BasicDerivation{}, fmt.Errorf("read derivation: outputs count: %w", err)
	}
	drv.Outputs = make(map[OutputName]DerivationOutput, n)
	for i := uint64(0); i < n; i++ {
		name, err := nr.ReadString()
		if err != nil {
			return BasicDerivation{}, fmt.Errorf("read derivation: output %d name: %w", i, err)
		}
		path, err := nr.ReadString()
		if err != nil {
			return BasicDerivation{}, fmt.Errorf("read derivation: output %d path: %w", i, err)
		}
		hashAlgo, err := nr.ReadString()
		if err != nil {
			return BasicDerivation{}, fmt.Errorf("read derivation: output %d hash algo: %w", i, err)
		}
		hash, err := nr.ReadString()
		if err != nil {
			return BasicDerivation{}, fmt.Errorf("read derivation: output %d hash: %w", i, err)
		}
		out := DerivationOutput{}
		switch {
		case hashAlgo != "":
			method := storepath.Flat
			algoStr := hashAlgo
			if rest, ok := strings.CutPrefix(hashAlgo, "r:"); ok {
				method = storepath.Recursive
				algoStr = rest
			}
			algo, err := nixhash.ParseAlgorithm(algoStr)
			if err != nil {
				return BasicDerivation{}, fmt.Errorf("read derivation: output %d hash algo: %w", i, err)
			}
			h, err := nixhash.Parse(algo, hash)
			if err != nil {
				return BasicDerivation{}, fmt.Errorf("read derivation: output %d hash: %w", i, err)
			}
			out.Kind = CAFixed
			if method == storepath.Recursive {
				out.CA = storepath.RecursiveContentAddress(h)
			} else {
				out.CA = storepath.FlatContentAddress(h)
			}
			if path != "" {
				sp, err := storepath.Parse(path)
				if err != nil {
					return BasicDerivation{}, fmt.Errorf("read derivation: output %d: %w", i, err)
				}
				out.Path = sp
			}
		case path != "":
			sp, err := storepath.Parse(path)
			if err != nil {
				return BasicDerivation{}, fmt.Errorf("read derivation: output %d: %w", i, err)
			}
			out.Path = sp
			out.Kind = InputAddressed
		default:
			out.Kind = Deferred
		}
		drv.Outputs[OutputName(name)] = out
	}
	drv.InputSrcs, err = nr.ReadStorePathSet()
	if err != nil {
		return BasicDerivation{}, fmt.Errorf("read derivation: input sources: %w", err)
	}
	if drv.Platform, err = nr.ReadString(); err != nil {
		return BasicDerivation{}, fmt.Errorf("read derivation: platform: %w", err)
	}
	if drv.Builder, err = nr.ReadString(); err != nil {
		return BasicDerivation{}, fmt.Errorf("read derivation: builder: %w", err)
	}
	if drv.Args, err = nr.ReadStringSlice(); err != nil {
		return BasicDerivation{}, fmt.Errorf("read derivation: args: %w", err)
	}
	n, err = nr.ReadUint64()
	if err != nil {
		return BasicDerivation{}, fmt.Errorf("read derivation: env count: %w", err)
	}
	drv.Env = make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := nr.ReadString()
		if err != nil {
			return BasicDerivation{}, fmt.Errorf("read derivation: env %d key: %w", i, err)
		}
		v, err := nr.ReadString()
		if err != nil {
			return BasicDerivation{}, fmt.Errorf("read derivation: env %d value: %w", i, err)
		}
		drv.Env[k] = v
	}
	return drv, nil
}

// WriteBasicDerivation writes a [BasicDerivation], excluding its
// DrvPath (transmitted separately by every operation that carries one).
func (nw *NixWriter) WriteBasicDerivation(drv BasicDerivation) error {
	if err := nw.WriteUint64(uint64(len(drv.Outputs))); err != nil {
		return err
	}
	for name, out := range drv.Outputs {
		if err := nw.WriteString(string(name)); err != nil {
			return err
		}
		if out.Kind == InputAddressed || out.Kind == CAFixed {
			if err := nw.WriteStorePath(out.Path); err != nil {
				return err
			}
		} else if err := nw.WriteString(""); err != nil {
			return err
		}
		if out.Kind == CAFixed {
			algoStr := out.CA.MethodAlgorithm().Algorithm.String()
			if out.CA.Method() == storepath.Recursive {
				algoStr = "r:" + algoStr
			}
			if err := nw.WriteString(algoStr); err != nil {
				return err
			}
			if err := nw.WriteString(out.CA.Hash().Base16()); err != nil {
				return err
			}
		} else {
			if err := nw.WriteString(""); err != nil {
				return err
			}
			if err := nw.WriteString(""); err != nil {
				return err
			}
		}
	}
	if err := nw.WriteStorePathSet(drv.InputSrcs); err != nil {
		return err
	}
	if err := nw.WriteString(drv.Platform); err != nil {
		return err
	}
	if err := nw.WriteString(drv.Builder); err != nil {
		return err
	}
	if err := nw.WriteStringSlice(drv.Args); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(len(drv.Env))); err != nil {
		return err
	}
	for k, v := range drv.Env {
		if err := nw.WriteString(k); err != nil {
			return err
		}
		if err := nw.WriteString(v); err != nil {
			return err
		}
	}
	return nil
}

// ReadUnkeyedValidPathInfo reads a [UnkeyedValidPathInfo].
func (nr *NixReader) ReadUnkeyedValidPathInfo() (UnkeyedValidPathInfo, error) {
	var info UnkeyedValidPathInfo
	deriver, err := nr.ReadString()
	if err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: deriver: %w", err)
	}
	if deriver != "" {
		info.Deriver, err = storepath.Parse(deriver)
		if err != nil {
			return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: deriver: %w", err)
		}
	}
	narHash, err := nr.ReadString()
	if err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: narHash: %w", err)
	}
	info.NarHash, err = parseBase16SHA256(narHash)
	if err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: narHash: %w", err)
	}
	if info.References, err = nr.ReadStorePathSet(); err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: references: %w", err)
	}
	regTime, err := nr.ReadTime()
	if err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: registrationTime: %w", err)
	}
	info.RegistrationTime = regTime
	if info.NarSize, err = nr.ReadInt64(); err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: narSize: %w", err)
	}
	if info.Ultimate, err = nr.ReadBool(); err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: ultimate: %w", err)
	}
	sigs, err := nr.ReadStringSlice()
	if err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: sigs: %w", err)
	}
	info.Sigs.Add(sigs...)
	ca, err := nr.ReadContentAddress()
	if err != nil {
		return UnkeyedValidPathInfo{}, fmt.Errorf("read path info: ca: %w", err)
	}
	info.CA = ca
	return info, nil
}

// WriteUnkeyedValidPathInfo writes a [UnkeyedValidPathInfo].
func (nw *NixWriter) WriteUnkeyedValidPathInfo(info UnkeyedValidPathInfo) error {
	if err := nw.WriteString(string(info.Deriver)); err != nil {
		return err
	}
	if err := nw.WriteString(info.NarHash.Base16()); err != nil {
		return err
	}
	if err := nw.WriteStorePathSet(info.References); err != nil {
		return err
	}
	if err := nw.WriteTime(info.RegistrationTime); err != nil {
		return err
	}
	if err := nw.WriteInt64(info.NarSize); err != nil {
		return err
	}
	if err := nw.WriteBool(info.Ultimate); err != nil {
		return err
	}
	sigs := make([]string, info.Sigs.Len())
	for i := range sigs {
		sigs[i] = info.Sigs.At(i)
	}
	if err := nw.WriteStringSlice(sigs); err != nil {
		return err
	}
	return nw.WriteContentAddress(info.CA)
}

func parseBase16SHA256(s string) (nixhash.Hash, error) {
	return nixhash.Parse(nixhash.SHA256, s)
}

// ReadBuildResult reads a [BuildResult].
func (nr *NixReader) ReadBuildResult() (BuildResult, error) {
	var res BuildResult
	status, err := nr.ReadUint64()
	if err != nil {
		return BuildResult{}, fmt.Errorf("read build result: status: %w", err)
	}
	res.Status = BuildStatus(status)
	if res.ErrorMsg, err = nr.ReadString(); err != nil {
		return BuildResult{}, fmt.Errorf("read build result: errorMsg: %w", err)
	}
	if nr.Version().AtLeast(1, 29) {
		timesBuilt, err := nr.ReadUint64()
		if err != nil {
			return BuildResult{}, fmt.Errorf("read build result: timesBuilt: %w", err)
		}
		res.TimesBuilt = int32(timesBuilt)
		if res.IsNonDeterministic, err = nr.ReadBool(); err != nil {
			return BuildResult{}, fmt.Errorf("read build result: isNonDeterministic: %w", err)
		}
		startTime, err := nr.ReadTime()
		if err != nil {
			return BuildResult{}, fmt.Errorf("read build result: startTime: %w", err)
		}
		res.StartTime = startTime
		stopTime, err := nr.ReadTime()
		if err != nil {
			return BuildResult{}, fmt.Errorf("read build result: stopTime: %w", err)
		}
		res.StopTime = stopTime
	}
	if nr.Version().AtLeast(1, 28) {
		n, err := nr.ReadUint64()
		if err != nil {
			return BuildResult{}, fmt.Errorf("read build result: builtOutputs count: %w", err)
		}
		res.BuiltOutputs = make(map[OutputName]Realisation, n)
		for i := uint64(0); i < n; i++ {
			id, err := nr.ReadString()
			if err != nil {
				return BuildResult{}, fmt.Errorf("read build result: built output %d id: %w", i, err)
			}
			path, err := nr.ReadStorePath()
			if err != nil {
				return BuildResult{}, fmt.Errorf("read build result: built output %d path: %w", i, err)
			}
			outName := OutputName(id)
			res.BuiltOutputs[outName] = Realisation{OutPath: path}
		}
	}
	return res, nil
}

// WriteBuildResult writes a [BuildResult].
func (nw *NixWriter) WriteBuildResult(res BuildResult) error {
	if err := nw.WriteUint64(uint64(res.Status)); err != nil {
		return err
	}
	if err := nw.WriteString(res.ErrorMsg); err != nil {
		return err
	}
	if nw.Version().AtLeast(1, 29) {
		if err := nw.WriteUint64(uint64(res.TimesBuilt)); err != nil {
			return err
		}
		if err := nw.WriteBool(res.IsNonDeterministic); err != nil {
			return err
		}
		if err := nw.WriteTime(orEpoch(res.StartTime)); err != nil {
			return err
		}
		if err := nw.WriteTime(orEpoch(res.StopTime)); err != nil {
			return err
		}
	}
	if nw.Version().AtLeast(1, 28) {
		if err := nw.WriteUint64(uint64(len(res.BuiltOutputs))); err != nil {
			return err
		}
		for name, r := range res.BuiltOutputs {
			if err := nw.WriteString(string(name)); err != nil {
				return err
			}
			if err := nw.WriteStorePath(r.OutPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func orEpoch(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t
}
