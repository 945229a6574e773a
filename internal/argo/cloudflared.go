// Package argo manages the cloudflared binary and a Cloudflare Tunnel
// process, letting the server expose its pipe listener without opening an
// inbound port.
package argo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	plog "rpc2socks-go/pkg/log"
)

const (
	cloudflaredReleaseURL = "https://github.com/cloudflare/cloudflared/releases/latest/download"
)

// FindCloudflared locates a cloudflared executable: customPath first, then
// PATH, then a handful of common install locations.
func FindCloudflared(customPath string) string {
	if customPath != "" {
		if _, err := os.Stat(customPath); err == nil {
			return customPath
		}
	}

	if path, err := exec.LookPath("cloudflared"); err == nil {
		return path
	}

	commonPaths := []string{
		"/usr/local/bin/cloudflared",
		"/usr/bin/cloudflared",
		"/opt/cloudflared/cloudflared",
		filepath.Join(os.Getenv("HOME"), ".local/bin/cloudflared"),
		filepath.Join(os.Getenv("HOME"), "cloudflared"),
	}

	if runtime.GOOS == "windows" {
		commonPaths = append(commonPaths,
			filepath.Join(os.Getenv("PROGRAMFILES"), "cloudflared", "cloudflared.exe"),
			filepath.Join(os.Getenv("LOCALAPPDATA"), "cloudflared", "cloudflared.exe"),
		)
	}

	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// InstallCloudflared downloads the latest cloudflared release for the
// current OS/arch and installs it under the user's local bin directory.
func InstallCloudflared(ctx context.Context) (string, error) {
	plog.Info("[argo] downloading cloudflared...")

	var filename string
	switch runtime.GOOS {
	case "linux":
		switch runtime.GOARCH {
		case "amd64":
			filename = "cloudflared-linux-amd64"
		case "arm64":
			filename = "cloudflared-linux-arm64"
		case "arm":
			filename = "cloudflared-linux-arm"
		default:
			return "", fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
		}
	case "darwin":
		switch runtime.GOARCH {
		case "amd64":
			filename = "cloudflared-darwin-amd64.tgz"
		case "arm64":
			filename = "cloudflared-darwin-arm64.tgz"
		default:
			return "", fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
		}
	case "windows":
		switch runtime.GOARCH {
		case "amd64":
			filename = "cloudflared-windows-amd64.exe"
		case "arm64":
			filename = "cloudflared-windows-arm64.exe"
		default:
			return "", fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
		}
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}

	downloadURL := fmt.Sprintf("%s/%s", cloudflaredReleaseURL, filename)

	var installPath string
	if runtime.GOOS == "windows" {
		installPath = filepath.Join(os.Getenv("LOCALAPPDATA"), "cloudflared", "cloudflared.exe")
	} else {
		homeDir := os.Getenv("HOME")
		localBin := filepath.Join(homeDir, ".local", "bin")
		if err := os.MkdirAll(localBin, 0755); err == nil {
			installPath = filepath.Join(localBin, "cloudflared")
		} else {
			installPath = filepath.Join(os.TempDir(), "cloudflared")
		}
	}

	if err := os.MkdirAll(filepath.Dir(installPath), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	out, err := os.OpenFile(installPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	plog.Info("[argo] cloudflared downloaded: %s (%.2f MB)", installPath, float64(written)/1024/1024)

	if err := exec.Command(installPath, "version").Run(); err != nil {
		return "", fmt.Errorf("verify cloudflared: %w", err)
	}

	return installPath, nil
}

// EnsureCloudflared finds an existing cloudflared binary, optionally
// downloading one if none is found and autoInstall is set.
func EnsureCloudflared(ctx context.Context, customPath string, autoInstall bool) (string, error) {
	path := FindCloudflared(customPath)
	if path != "" {
		plog.Debug("[argo] found cloudflared: %s", path)
		return path, nil
	}

	if autoInstall {
		return InstallCloudflared(ctx)
	}

	return "", fmt.Errorf("cloudflared not found, please install it or enable auto-install")
}
