package downloader

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const dependencyCheckTimeout = 10 * time.Second

// Dependency is the outcome of probing one external binary.
type Dependency struct {
	Installed bool   `json:"installed"`
	Info      string `json:"info"`
}

// Dependencies reports on the engine and its helper.
type Dependencies struct {
	Engine Dependency `json:"yt_dlp"`
	Helper Dependency `json:"aria2c"`
	AllOK  bool       `json:"all_ok"`
}

// CheckDependencies runs "<binary> --version" for the engine and helper.
// An empty helper means downloads run without it, so it is reported as not
// installed but does not count against AllOK.
func CheckDependencies(ctx context.Context, engine, helper string) Dependencies {
	deps := Dependencies{
		Engine: probe(ctx, engine),
		Helper: probe(ctx, helper),
	}
	deps.AllOK = deps.Engine.Installed && (helper == "" || deps.Helper.Installed)
	return deps
}

func probe(ctx context.Context, binary string) Dependency {
	if binary == "" {
		return Dependency{Info: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, dependencyCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return Dependency{Info: binary + " not found"}
		case ctx.Err() != nil:
			return Dependency{Info: binary + " timed out"}
		default:
			return Dependency{Info: binary + " command failed"}
		}
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return Dependency{Installed: true, Info: strings.TrimSpace(version)}
}
