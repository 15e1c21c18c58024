package adapters

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/sandbox"
)

// fakeRunner scripts the sandbox for adapter tests.
type fakeRunner struct {
	fn  func(req sandbox.Request) (sandbox.Result, error)
	got sandbox.Request
}

func (f *fakeRunner) Run(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.got = req
	return f.fn(req)
}

const semgrepFixture = `{
  "results": [
    {
      "check_id": "go.lang.security.audit.xss-taint",
      "path": "src/handler.go",
      "start": {"line": 42},
      "extra": {
        "message": "User input flows into HTML output",
        "severity": "ERROR",
        "lines": "fmt.Fprintf(w, input)",
        "metadata": {"cwe": ["CWE-79"]}
      }
    }
  ]
}`

func TestSemgrepScan(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 1, Stdout: []byte(semgrepFixture)}, nil
	}}
	a := &Semgrep{Runner: runner}

	findings, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "semgrep", f.Scanner)
	assert.Equal(t, model.TypeStaticAnalysis, f.Type)
	assert.Equal(t, "go.lang.security.audit.xss-taint", f.RuleID)
	assert.Equal(t, "ERROR", f.SeverityRaw)
	assert.Equal(t, 42, f.Line)
	assert.Equal(t, []string{"CWE-79"}, f.CWE)
	assert.Equal(t, "semgrep", runner.got.Binary)
	assert.Contains(t, runner.got.Args, "--json")
}

func TestSemgrepHardFailure(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 2, Stderr: []byte("config error")}, nil
	}}
	a := &Semgrep{Runner: runner}

	_, err := a.Scan(context.Background(), "/tmp/checkout")
	require.ErrorIs(t, err, ErrInvocation)
}

func TestSemgrepMalformedOutput(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 0, Stdout: []byte("not json")}, nil
	}}
	a := &Semgrep{Runner: runner}

	_, err := a.Scan(context.Background(), "/tmp/checkout")
	require.ErrorIs(t, err, ErrInvocation)
}

func TestGitleaksScanReadsReportFile(t *testing.T) {
	const report = `[
	  {"Description": "AWS Access Key", "File": "config/prod.env", "StartLine": 12,
	   "RuleID": "aws-access-key", "Match": "AKIA..."}
	]`
	runner := &fakeRunner{fn: func(req sandbox.Request) (sandbox.Result, error) {
		// gitleaks writes its report to the path after --report-path
		for i, arg := range req.Args {
			if arg == "--report-path" {
				require.NoError(t, os.WriteFile(req.Args[i+1], []byte(report), 0600))
			}
		}
		return sandbox.Result{ExitCode: 1}, nil
	}}
	a := &Gitleaks{Runner: runner}

	findings, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, model.TypeSecret, f.Type)
	assert.Equal(t, "aws-access-key", f.RuleID)
	assert.Equal(t, "aws-access-key", f.SecretType)
	assert.Equal(t, "critical", f.SeverityRaw)
	assert.Equal(t, 12, f.Line)
}

func TestGitleaksEmptyReportMeansClean(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 0}, nil
	}}
	a := &Gitleaks{Runner: runner}

	findings, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

const osvFixture = `{
  "results": [
    {
      "source": {"path": "go.mod"},
      "packages": [
        {
          "package": {"name": "golang.org/x/text", "version": "0.3.7", "ecosystem": "Go"},
          "vulnerabilities": [
            {
              "id": "GHSA-69ch-w2m1-3tq9",
              "aliases": ["CVE-2022-32149"],
              "summary": "Denial of service via crafted Accept-Language header",
              "details": "...",
              "database_specific": {"severity": "HIGH"}
            }
          ],
          "groups": [
            {"ids": ["GHSA-69ch-w2m1-3tq9"], "max_severity": "7.5"}
          ]
        }
      ]
    }
  ]
}`

func TestOSVScan(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 1, Stdout: []byte(osvFixture)}, nil
	}}
	a := &OSVScanner{Runner: runner}

	findings, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, model.TypeDependency, f.Type)
	assert.Equal(t, "GHSA-69ch-w2m1-3tq9", f.RuleID)
	assert.Equal(t, "CVE-2022-32149", f.CVE)
	assert.Equal(t, "golang.org/x/text", f.PackageName)
	assert.Equal(t, "0.3.7", f.PackageVersion)
	assert.InDelta(t, 7.5, f.CVSS, 0.001)
}

const kicsFixture = `{
  "queries": [
    {
      "query_name": "Container Running As Root",
      "query_id": "cf34805e-3872-4c08-bf92-6ff7bb0cfadb",
      "severity": "HIGH",
      "description": "Containers should not run as root",
      "cwe": "250",
      "files": [
        {"file_name": "deploy/pod.yaml", "line": 14},
        {"file_name": "deploy/job.yaml", "line": 9}
      ]
    }
  ]
}`

func TestKICSParsePerFile(t *testing.T) {
	findings, err := ParseKICS([]byte(kicsFixture))
	require.NoError(t, err)
	require.Len(t, findings, 2, "one finding per affected file")

	assert.Equal(t, model.TypeInfrastructure, findings[0].Type)
	assert.Equal(t, "cf34805e-3872-4c08-bf92-6ff7bb0cfadb", findings[0].RuleID)
	assert.Equal(t, []string{"CWE-250"}, findings[0].CWE)
	assert.Equal(t, 14, findings[0].Line)
	assert.Equal(t, "deploy/job.yaml", findings[1].FilePath)
}

const trivyFixture = `{
  "Results": [
    {
      "Target": "alpine:3.18",
      "Vulnerabilities": [
        {
          "VulnerabilityID": "CVE-2023-5363",
          "PkgName": "openssl",
          "InstalledVersion": "3.1.2-r0",
          "Title": "openssl: incorrect cipher key and IV length processing",
          "Severity": "HIGH",
          "CweIDs": ["CWE-325"]
        }
      ]
    }
  ]
}`

func TestTrivyScanImage(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 0, Stdout: []byte(trivyFixture)}, nil
	}}
	a := &Trivy{Runner: runner, ImageRef: "alpine:3.18"}

	findings, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	require.Len(t, findings, 1)

	assert.Equal(t, "image", runner.got.Args[0])
	assert.Equal(t, "alpine:3.18", runner.got.Args[len(runner.got.Args)-1])

	f := findings[0]
	assert.Equal(t, model.TypeContainer, f.Type)
	assert.Equal(t, "CVE-2023-5363", f.CVE)
	assert.Equal(t, "openssl", f.PackageName)
}

func TestTrivyFilesystemFallback(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 0, Stdout: []byte(`{"Results": []}`)}, nil
	}}
	a := &Trivy{Runner: runner}

	_, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	assert.Equal(t, "fs", runner.got.Args[0])
	assert.Equal(t, "/tmp/checkout", runner.got.Args[len(runner.got.Args)-1])
}

func TestAdapterTimeoutSurfacesAsInvocationError(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, sandbox.ErrTimeout
	}}
	a := &Semgrep{Runner: runner}

	_, err := a.Scan(context.Background(), "/tmp/checkout")
	require.ErrorIs(t, err, ErrInvocation)
}

func TestOptionsOverrides(t *testing.T) {
	runner := &fakeRunner{fn: func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 0, Stdout: []byte(`{"results": []}`)}, nil
	}}
	a := &Semgrep{Runner: runner, Opts: Options{Binary: "semgrep-ci", ExtraArgs: []string{"--config=p/golang"}, Timeout: 1}}

	_, err := a.Scan(context.Background(), "/tmp/checkout")
	require.NoError(t, err)
	assert.Equal(t, "semgrep-ci", runner.got.Binary)
	assert.Contains(t, runner.got.Args, "--config=p/golang")
}
