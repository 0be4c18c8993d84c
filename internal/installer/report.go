package installer

import (
	"encoding/json"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// installReport is the machine-readable report the installer emits with
// --report. Only the fields the driver consumes are modeled.
type installReport struct {
	Install []reportItem `json:"install"`
}

type reportItem struct {
	Metadata reportMetadata `json:"metadata"`
}

type reportMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChangedPackage is one package the staging run touched.
type ChangedPackage struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version,omitempty"`
}

// StagedResult classifies everything a staging run changed relative to the
// reference environment it was diffed against.
type StagedResult struct {
	Installed  []ChangedPackage `json:"installed"`
	Downgraded []ChangedPackage `json:"downgraded"`
	Upgraded   []ChangedPackage `json:"upgraded"`
	Added      []ChangedPackage `json:"added"`
	Removed    []ChangedPackage `json:"removed"`
}

// parseReport decodes the installer's JSON report into the installed set.
func parseReport(tool string, data []byte) ([]ChangedPackage, error) {
	var report installReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, &core.ErrInstallerProtocol{Tool: tool, Detail: "report is not valid JSON", Cause: err}
	}
	if report.Install == nil {
		return nil, &core.ErrInstallerProtocol{Tool: tool, Detail: "report has no install section"}
	}

	out := make([]ChangedPackage, 0, len(report.Install))
	for _, item := range report.Install {
		if item.Metadata.Name == "" || item.Metadata.Version == "" {
			return nil, &core.ErrInstallerProtocol{Tool: tool, Detail: "report item missing name or version"}
		}
		out = append(out, ChangedPackage{
			Name:    core.NormalizeName(item.Metadata.Name),
			Version: item.Metadata.Version,
		})
	}
	return out, nil
}

// classify diffs the installed set against the pre-run reference
// environment, filling the StagedResult buckets. Every installed package is
// listed in Installed; version transitions additionally land in Downgraded,
// Upgraded or Added.
func classify(installed []ChangedPackage, before map[string]string) *StagedResult {
	result := &StagedResult{Installed: installed}

	for _, pkg := range installed {
		previous, existed := before[pkg.Name]
		if !existed {
			result.Added = append(result.Added, pkg)
			continue
		}
		if previous == pkg.Version {
			continue
		}
		change := ChangedPackage{Name: pkg.Name, Version: pkg.Version, PreviousVersion: previous}
		if core.CompareVersions(pkg.Version, previous) < 0 {
			result.Downgraded = append(result.Downgraded, change)
		} else {
			result.Upgraded = append(result.Upgraded, change)
		}
	}
	return result
}
