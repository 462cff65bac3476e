package validator

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/core/services"
)

// packageNameRe matches acceptable extension names: lowercase letters,
// digits, and separators, starting with an alphanumeric.
var packageNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]*$`)

// ZipValidator checks an uploaded package archive and extracts its
// package.json metadata. package.json must be present at the archive root
// or inside a single top-level folder.
type ZipValidator struct{}

// New returns a ZipValidator.
func New() *ZipValidator {
	return &ZipValidator{}
}

// Validate implements services.PackageValidator. Structural problems are
// reported in the result's error list; the Go error is reserved for I/O
// failures reading the archive entries.
func (v *ZipValidator) Validate(_ context.Context, packagePath string) (*services.ValidationResult, error) {
	zr, err := zip.OpenReader(packagePath)
	if err != nil {
		return &services.ValidationResult{
			Errors: [][]string{{services.CodeInvalidZipFile, packagePath}},
		}, nil
	}
	defer zr.Close()

	pkgFile := findPackageJSON(&zr.Reader)
	if pkgFile == nil {
		return &services.ValidationResult{
			Errors: [][]string{{services.CodeMissingPackageJSON, packagePath}},
		}, nil
	}

	rc, err := pkgFile.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	var metadata models.Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return &services.ValidationResult{
			Errors: [][]string{{services.CodeInvalidPackageJSON, err.Error(), packagePath}},
		}, nil
	}

	var errs [][]string
	if metadata.Name == "" {
		errs = append(errs, []string{services.CodeMissingPackageName, packagePath})
	} else if !packageNameRe.MatchString(metadata.Name) {
		errs = append(errs, []string{services.CodeBadPackageName, metadata.Name})
	}
	if metadata.Version == "" {
		errs = append(errs, []string{services.CodeMissingPackageVersion, packagePath})
	} else if _, err := semver.StrictNewVersion(metadata.Version); err != nil {
		errs = append(errs, []string{services.CodeInvalidVersionNumber, metadata.Version, packagePath})
	}

	return &services.ValidationResult{Metadata: &metadata, Errors: errs}, nil
}

func findPackageJSON(zr *zip.Reader) *zip.File {
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		if name == "package.json" {
			return f
		}
		// one top-level folder deep
		if path.Base(name) == "package.json" && strings.Count(name, "/") == 1 {
			return f
		}
	}
	return nil
}
