// Package release builds and archives syncview binaries with checksums.
package release

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

const (
	productName   = "syncview"
	buildinfoPkg  = "go2tv.app/syncview/internal/buildinfo"
	checksumsName = "SHA256SUMS"
)

type Target struct {
	GOOS   string
	GOARCH string
}

func (t Target) String() string { return t.GOOS + "/" + t.GOARCH }

type Artifact struct {
	Target         Target
	ArchiveName    string
	ArchivePath    string
	PackageDirName string
}

type Options struct {
	OutDir   string
	RepoRoot string
	Version  string
	Commit   string
	Date     string
	Targets  []Target
	// CC names a C cross compiler per target. The playback engine links
	// GStreamer through cgo, so non-host targets need one.
	CC map[Target]string
}

// HostTarget is the only target buildable without a cross toolchain.
func HostTarget() Target {
	return Target{GOOS: runtime.GOOS, GOARCH: runtime.GOARCH}
}

// buildBinary is replaced in tests.
var buildBinary = goBuild

func BuildArtifacts(ctx context.Context, opts Options) ([]Artifact, error) {
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, errors.New("out dir is required")
	}
	if strings.TrimSpace(opts.RepoRoot) == "" {
		return nil, errors.New("repo root is required")
	}
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("version is required")
	}
	targets := opts.Targets
	if len(targets) == 0 {
		targets = []Target{HostTarget()}
	}
	host := HostTarget()
	for _, target := range targets {
		if target != host && strings.TrimSpace(opts.CC[target]) == "" {
			return nil, errors.Errorf("target %s needs a C cross compiler", target)
		}
	}

	repoRoot, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, errors.Wrap(err, "resolve repo root")
	}
	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve out dir")
	}

	if err := os.RemoveAll(outDir); err != nil {
		return nil, errors.Wrap(err, "clean out dir")
	}
	stageRoot := filepath.Join(outDir, ".stage")
	if err := os.MkdirAll(stageRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "create stage dir")
	}
	defer os.RemoveAll(stageRoot)

	var artifacts []Artifact
	for _, target := range targets {
		pkgDirName := packageDirName(opts.Version, target)
		pkgDir := filepath.Join(stageRoot, pkgDirName)
		if err := os.MkdirAll(pkgDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create package dir %s", pkgDirName)
		}

		binPath := filepath.Join(pkgDir, binaryName(target.GOOS))
		if err := buildBinary(ctx, repoRoot, target, opts.CC[target], ldflags(opts), binPath); err != nil {
			return nil, err
		}
		if err := copyReleaseDocs(repoRoot, pkgDir); err != nil {
			return nil, err
		}

		name := archiveName(opts.Version, target)
		archivePath := filepath.Join(outDir, name)
		create := createTarGz
		if target.GOOS == "windows" {
			create = createZip
		}
		if err := create(archivePath, pkgDir); err != nil {
			return nil, errors.Wrapf(err, "create %s", name)
		}

		artifacts = append(artifacts, Artifact{
			Target:         target,
			ArchiveName:    name,
			ArchivePath:    archivePath,
			PackageDirName: pkgDirName,
		})
	}

	if err := writeChecksums(outDir, artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func packageDirName(version string, target Target) string {
	return fmt.Sprintf("%s_%s_%s_%s", productName, version, target.GOOS, target.GOARCH)
}

func archiveName(version string, target Target) string {
	if target.GOOS == "windows" {
		return packageDirName(version, target) + ".zip"
	}
	return packageDirName(version, target) + ".tar.gz"
}

func binaryName(goos string) string {
	if goos == "windows" {
		return productName + ".exe"
	}
	return productName
}

func ldflags(opts Options) string {
	flags := []string{"-s", "-w", "-X", buildinfoPkg + ".Version=" + opts.Version}
	if opts.Commit != "" {
		flags = append(flags, "-X", buildinfoPkg+".Commit="+opts.Commit)
	}
	if opts.Date != "" {
		flags = append(flags, "-X", buildinfoPkg+".Date="+opts.Date)
	}
	return strings.Join(flags, " ")
}

func goBuild(ctx context.Context, repoRoot string, target Target, cc, flags, outPath string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-ldflags", flags, "-o", outPath, ".")
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=1",
		"GOOS="+target.GOOS,
		"GOARCH="+target.GOARCH,
	)
	if cc != "" {
		cmd.Env = append(cmd.Env, "CC="+cc)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "go build %s failed: %s", target, strings.TrimSpace(string(out)))
	}
	return nil
}

// copyReleaseDocs copies whichever docs exist; none are mandatory.
func copyReleaseDocs(repoRoot, pkgDir string) error {
	for _, name := range []string{"README.md", "DESIGN.md", ".env.example"} {
		src := filepath.Join(repoRoot, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(src, filepath.Join(pkgDir, name)); err != nil {
			return errors.Wrapf(err, "copy %s", name)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// entryWriter adds one walked file or directory to an archive.
type entryWriter func(name string, info fs.FileInfo) (io.Writer, error)

// archiveDir walks dir and stores entries relative to its parent, so the
// archive unpacks into a single package directory.
func archiveDir(dir string, add entryWriter) error {
	parent := filepath.Dir(dir)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		w, err := add(filepath.ToSlash(rel), info)
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

func createTarGz(archivePath, dir string) (err error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	gzw := gzip.NewWriter(file)
	tw := tar.NewWriter(gzw)
	defer func() {
		for _, c := range []io.Closer{tw, gzw, file} {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}()

	return archiveDir(dir, func(name string, info fs.FileInfo) (io.Writer, error) {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, err
		}
		hdr.Name = name
		return tw, tw.WriteHeader(hdr)
	})
}

func createZip(archivePath, dir string) (err error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(file)
	defer func() {
		for _, c := range []io.Closer{zw, file} {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}()

	return archiveDir(dir, func(name string, info fs.FileInfo) (io.Writer, error) {
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return nil, err
		}
		header.Name = name
		if info.IsDir() {
			header.Name += "/"
		} else {
			header.Method = zip.Deflate
		}
		return zw.CreateHeader(header)
	})
}

// writeChecksums emits SHA256SUMS in sha256sum's two-space format, ordered
// by archive name.
func writeChecksums(outDir string, artifacts []Artifact) error {
	slices.SortFunc(artifacts, func(a, b Artifact) int {
		return strings.Compare(a.ArchiveName, b.ArchiveName)
	})

	var sums strings.Builder
	for _, artifact := range artifacts {
		digest, err := fileDigest(artifact.ArchivePath)
		if err != nil {
			return errors.Wrapf(err, "checksum %s", artifact.ArchiveName)
		}
		fmt.Fprintf(&sums, "%s  %s\n", digest, artifact.ArchiveName)
	}
	if err := os.WriteFile(filepath.Join(outDir, checksumsName), []byte(sums.String()), 0o644); err != nil {
		return errors.Wrap(err, "write checksums")
	}
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
