// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.nixrs.dev/nixrs/internal/sortedset"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

func mustParsePath(t *testing.T, s string) storepath.StorePath {
	t.Helper()
	p, err := storepath.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return p
}

func TestDerivationATermRoundTrip(t *testing.T) {
	dir := storepath.DefaultStoreDir

	fixedOutPath := mustParsePath(t, "00000000000000000000000000000001-hello")
	h, err := nixhash.Parse(nixhash.SHA256, "0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatal(err)
	}

	inputDrv := mustParsePath(t, "00000000000000000000000000000002-dep.drv")
	inputSrc := mustParsePath(t, "00000000000000000000000000000003-src")

	inputDerivations := make(map[storepath.StorePath]*sortedset.Set[OutputName])
	inputDerivations[inputDrv] = sortedset.New[OutputName]("out", "dev")

	drv := &Derivation{
		Name:             "hello",
		InputDerivations: inputDerivations,
		BasicDerivation: BasicDerivation{
			Outputs: map[OutputName]DerivationOutput{
				"out": {Kind: CAFixed, Path: fixedOutPath, CA: storepath.RecursiveContentAddress(h)},
			},
			InputSrcs: *sortedset.New[storepath.StorePath](inputSrc),
			Platform:  "x86_64-linux",
			Builder:   "/bin/sh",
			Args:      []string{"-c", "echo hi"},
			Env: map[string]string{
				"out":  "/nix/store/00000000000000000000000000000001-hello",
				"name": "hello",
			},
		},
	}

	data, err := drv.MarshalATerm(dir)
	if err != nil {
		t.Fatalf("MarshalATerm: %v", err)
	}

	got, err := ParseDerivationATerm(dir, "hello", data)
	if err != nil {
		t.Fatalf("ParseDerivationATerm: %v\ndata: %s", err, data)
	}

	if got.Platform != drv.Platform {
		t.Errorf("Platform = %q, want %q", got.Platform, drv.Platform)
	}
	if got.Builder != drv.Builder {
		t.Errorf("Builder = %q, want %q", got.Builder, drv.Builder)
	}
	if diff := cmp.Diff(drv.Args, got.Args); diff != "" {
		t.Errorf("Args (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(drv.Env, got.Env); diff != "" {
		t.Errorf("Env (-want +got):\n%s", diff)
	}
	out, ok := got.Outputs["out"]
	if !ok {
		t.Fatal("missing \"out\" output")
	}
	if out.Kind != CAFixed {
		t.Errorf("out.Kind = %v, want CAFixed", out.Kind)
	}
	if out.Path != fixedOutPath {
		t.Errorf("out.Path = %v, want %v", out.Path, fixedOutPath)
	}
	if out.CA.String() != storepath.RecursiveContentAddress(h).String() {
		t.Errorf("out.CA = %v, want %v", out.CA, storepath.RecursiveContentAddress(h))
	}
	if got.InputSrcs.Len() != 1 || got.InputSrcs.At(0) != inputSrc {
		t.Errorf("InputSrcs = %v, want [%v]", got.InputSrcs, inputSrc)
	}
	names, ok := got.InputDerivations[inputDrv]
	if !ok {
		t.Fatalf("missing input derivation %v", inputDrv)
	}
	if names.Len() != 2 || !names.Has("out") || !names.Has("dev") {
		t.Errorf("InputDerivations[%v] = %v, want {dev, out}", inputDrv, names)
	}
}

func TestDerivationATermFloatingOutput(t *testing.T) {
	dir := storepath.DefaultStoreDir
	drv := &Derivation{
		Name: "floating",
		BasicDerivation: BasicDerivation{
			Outputs: map[OutputName]DerivationOutput{
				"out": {
					Kind: CAFloating,
					MethodAlgorithm: storepath.ContentAddressMethodAlgorithm{
						Method:    storepath.Recursive,
						Algorithm: nixhash.SHA256,
					},
				},
			},
			Platform: "x86_64-linux",
			Builder:  "/bin/sh",
		},
	}

	data, err := drv.MarshalATerm(dir)
	if err != nil {
		t.Fatalf("MarshalATerm: %v", err)
	}
	got, err := ParseDerivationATerm(dir, "floating", data)
	if err != nil {
		t.Fatalf("ParseDerivationATerm: %v\ndata: %s", err, data)
	}
	out := got.Outputs["out"]
	if out.Kind != CAFloating {
		t.Fatalf("Kind = %v, want CAFloating", out.Kind)
	}
	if out.MethodAlgorithm.Method != storepath.Recursive || out.MethodAlgorithm.Algorithm != nixhash.SHA256 {
		t.Errorf("MethodAlgorithm = %+v", out.MethodAlgorithm)
	}
}

func TestDerivationATermInputAddressedOutput(t *testing.T) {
	dir := storepath.DefaultStoreDir
	outPath := mustParsePath(t, "00000000000000000000000000000004-classic")
	drv := &Derivation{
		Name: "classic",
		BasicDerivation: BasicDerivation{
			Outputs: map[OutputName]DerivationOutput{
				"out": {Kind: InputAddressed, Path: outPath},
			},
			Platform: "x86_64-linux",
			Builder:  "/bin/sh",
		},
	}

	data, err := drv.MarshalATerm(dir)
	if err != nil {
		t.Fatalf("MarshalATerm: %v", err)
	}
	got, err := ParseDerivationATerm(dir, "classic", data)
	if err != nil {
		t.Fatalf("ParseDerivationATerm: %v\ndata: %s", err, data)
	}
	out := got.Outputs["out"]
	if out.Kind != InputAddressed || out.Path != outPath {
		t.Errorf("out = %+v, want {Kind: InputAddressed, Path: %v}", out, outPath)
	}
}
