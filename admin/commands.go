package admin

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/lambda"

	"github.com/urfave/cli/v2"
)

const installUsage = "wdog admin install [-c <wdog.yaml>] [-n <name>] [-p <wdog_path>] <directory_or_git_url>"

// isGitURL returns true if the path looks like a git repository URL
func isGitURL(path string) bool {
	if !strings.HasSuffix(path, ".git") {
		return false
	}
	return strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "git@")
}

// cloneGitRepo clones a git repository to a temporary directory
func cloneGitRepo(gitURL string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "wdog-install-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %v", err)
	}

	cmd := exec.Command("git", "clone", "--depth", "1", gitURL, tmpDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("git clone failed: %v\n%s", err, string(output))
	}

	return tmpDir, nil
}

// loadConf picks up <path>/config.json, or defaults when there is none yet.
func loadConf(ctx *cli.Context) error {
	wdogPath, err := common.GetWdogPath(ctx)
	if err != nil {
		return err
	}
	confPath := filepath.Join(wdogPath, "config.json")
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		return common.LoadDefaults(wdogPath)
	}
	return common.LoadGlobalConfig(confPath)
}

func adminInstall(ctx *cli.Context) error {
	args := ctx.Args().Slice()
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", installUsage)
	}
	moduleDir := args[0]

	if err := loadConf(ctx); err != nil {
		return fmt.Errorf("failed to load watchdog config: %v", err)
	}

	var name string
	if isGitURL(moduleDir) {
		name = strings.TrimSuffix(filepath.Base(moduleDir), ".git")
		clonedDir, err := cloneGitRepo(moduleDir)
		if err != nil {
			return err
		}
		defer os.RemoveAll(clonedDir)
		moduleDir = clonedDir
	} else {
		moduleDir = strings.TrimSuffix(moduleDir, "/")
		name = filepath.Base(moduleDir)
		if _, err := os.Stat(moduleDir); os.IsNotExist(err) {
			return fmt.Errorf("directory %s does not exist", moduleDir)
		}
	}

	if n := ctx.String("name"); n != "" {
		name = n
	}

	overrides := make(map[string]string)
	if path := ctx.String("config"); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		if _, err := os.Stat(filepath.Join(moduleDir, common.ModuleConfigName)); err == nil {
			fmt.Printf("Warning: overriding existing %s in source with %s\n", common.ModuleConfigName, path)
		}
		overrides[common.ModuleConfigName] = path
	}

	pkg, err := createTarGz(moduleDir, common.Conf.Runtime, overrides)
	if err != nil {
		return fmt.Errorf("failed to create tar.gz: %v", err)
	}

	if err := publish(context.Background(), common.Conf.Registry, name, pkg); err != nil {
		return fmt.Errorf("failed to publish to %s: %v", common.Conf.Registry, err)
	}

	fmt.Printf("Installed module %s into %s\n", name, common.Conf.Registry)
	fmt.Printf("Run it with: wdog up -o module_name=%s\n", name)
	return nil
}

func publish(ctx context.Context, registry, name string, pkg []byte) error {
	puller, err := lambda.NewModulePuller(ctx, registry)
	if err != nil {
		return err
	}
	defer puller.Close()

	return puller.Publish(ctx, name, pkg)
}

// addFile writes one regular file into tw under relPath.
func addFile(tw *tar.Writer, relPath, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("unable to stat %s: %v", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("cannot archive non-regular file %q (mode: %s)", localPath, info.Mode().String())
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("unable to create header for %s: %v", relPath, err)
	}
	header.Name = relPath

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %v", relPath, err)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("unable to open file: %v", err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("error copying %s: %v", localPath, err)
	}
	return nil
}

// createTarGz packs moduleDir. The package must carry main.<runtime> and
// any descriptor it ships must be valid, so a broken package is rejected
// here instead of at pull time.
func createTarGz(moduleDir, runtime string, overrides map[string]string) ([]byte, error) {
	entry := "main." + runtime
	if _, err := os.Stat(filepath.Join(moduleDir, entry)); os.IsNotExist(err) {
		return nil, fmt.Errorf("required file %s not found in %s", entry, moduleDir)
	}

	configDir := moduleDir
	if configOverride, ok := overrides[common.ModuleConfigName]; ok {
		f, err := os.Open(configOverride)
		if err != nil {
			return nil, err
		}
		_, err = common.ParseModuleConfig(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %v", configOverride, err)
		}
	} else if _, err := common.LoadModuleConfig(configDir); err != nil {
		return nil, fmt.Errorf("failed to parse config in %s: %v", configDir, err)
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.Walk(moduleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walk error: %v", err)
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(moduleDir, path)
		if err != nil {
			return fmt.Errorf("unable to compute relative path: %v", err)
		}
		if _, ok := overrides[relPath]; ok {
			return nil
		}
		return addFile(tarWriter, relPath, path)
	})
	if err != nil {
		return nil, err
	}

	for relPath, localPath := range overrides {
		if err := addFile(tarWriter, relPath, localPath); err != nil {
			return nil, err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %v", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %v", err)
	}

	return buf.Bytes(), nil
}

func AdminCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "admin",
			Usage: "Manage module packages in the registry",
			Subcommands: []*cli.Command{
				{
					Name:        "install",
					Usage:       "Package a module directory and store it in the registry",
					UsageText:   installUsage,
					Description: "The directory must contain main.<runtime>; an optional wdog.yaml is validated before upload.",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "path",
							Aliases: []string{"p"},
							Usage:   "Watchdog environment whose registry receives the package",
						},
						&cli.StringFlag{
							Name:    "config",
							Aliases: []string{"c"},
							Usage:   "Use this wdog.yaml instead of the one in the directory",
						},
						&cli.StringFlag{
							Name:    "name",
							Aliases: []string{"n"},
							Usage:   "Module name (defaults to the directory name)",
						},
					},
					Action: adminInstall,
				},
			},
		},
	}
}
