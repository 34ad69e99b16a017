// Package testutil installs scripted stand-ins for the external tools on PATH.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Fakes is a temporary bin directory holding fake rclone, sbatch, scontrol
// and mail scripts. Every invocation is appended to CallLog as
// "<tool> <args...>". Behaviour is tuned through FAKE_* environment
// variables, which Install sets to passing defaults.
type Fakes struct {
	Dir     string
	BinDir  string
	CallLog string
}

const rcloneScript = `#!/usr/bin/env bash
set -uo pipefail
echo "rclone $*" >> "$FAKE_CALL_LOG"
case "$1" in
  version)
    echo "rclone v1.66.0"
    exit "${FAKE_RCLONE_VERSION_EXIT:-0}"
    ;;
  listremotes)
    for r in ${FAKE_RCLONE_REMOTES}; do echo "$r:"; done
    ;;
  lsf)
    target="$4"
    if [ "${target%:}" != "$target" ]; then
      code="${FAKE_LSF_ROOT_EXIT:-0}"
    else
      code="${FAKE_LSF_BASE_EXIT:-0}"
    fi
    if [ "$code" != "0" ]; then
      echo "listing $target failed with status $code" >&2
      exit "$code"
    fi
    echo "existing/"
    ;;
  sync)
    echo "sync $2 -> $3"
    if [ -n "${FAKE_SYNC_OUTPUT:-}" ]; then echo "$FAKE_SYNC_OUTPUT"; fi
    if [ "${FAKE_SYNC_SLEEP:-0}" != "0" ]; then sleep "$FAKE_SYNC_SLEEP"; fi
    exit "${FAKE_SYNC_EXIT:-0}"
    ;;
  *)
    echo "unexpected rclone invocation: $*" >&2
    exit 1
    ;;
esac
`

const sbatchScript = `#!/usr/bin/env bash
set -uo pipefail
echo "sbatch $*" >> "$FAKE_CALL_LOG"
n=$(ls "$FAKE_DIR"/sbatch-*.sh 2>/dev/null | wc -l | tr -d ' ')
cat > "$FAKE_DIR/sbatch-$n.sh"
if [ "${FAKE_SBATCH_EXIT:-0}" != "0" ]; then
  echo "sbatch: error: submission rejected" >&2
  exit "$FAKE_SBATCH_EXIT"
fi
echo "${FAKE_SBATCH_ID:-9001};cluster1"
`

const scontrolScript = `#!/usr/bin/env bash
set -uo pipefail
echo "scontrol $*" >> "$FAKE_CALL_LOG"
exit "${FAKE_SCONTROL_EXIT:-0}"
`

const mailScript = `#!/usr/bin/env bash
set -uo pipefail
echo "mail $*" >> "$FAKE_CALL_LOG"
n=$(ls "$FAKE_DIR"/mail-*.txt 2>/dev/null | wc -l | tr -d ' ')
out="$FAKE_DIR/mail-$n.txt"
subject=""
attachment=""
while [ $# -gt 0 ]; do
  case "$1" in
    -s) subject="$2"; shift 2 ;;
    -a) attachment="$2"; shift 2 ;;
    *) shift ;;
  esac
done
{
  echo "Subject: $subject"
  echo
  cat
  if [ -n "$attachment" ]; then
    echo "--- attachment $(basename "$attachment")"
    cat "$attachment"
  fi
} > "$out"
`

// Install writes the fake tools and prepends them to PATH for the test.
func Install(t testing.TB) *Fakes {
	t.Helper()
	dir := t.TempDir()
	f := &Fakes{
		Dir:     dir,
		BinDir:  filepath.Join(dir, "bin"),
		CallLog: filepath.Join(dir, "calls.log"),
	}
	if err := os.MkdirAll(f.BinDir, 0o755); err != nil {
		t.Fatal(err)
	}
	scripts := map[string]string{
		"rclone":   rcloneScript,
		"sbatch":   sbatchScript,
		"scontrol": scontrolScript,
		"mail":     mailScript,
	}
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(f.BinDir, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(f.CallLog, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PATH", f.BinDir+":"+os.Getenv("PATH"))
	t.Setenv("FAKE_DIR", dir)
	t.Setenv("FAKE_CALL_LOG", f.CallLog)
	t.Setenv("FAKE_RCLONE_REMOTES", "gdrive")
	t.Setenv("FAKE_LSF_ROOT_EXIT", "0")
	t.Setenv("FAKE_LSF_BASE_EXIT", "0")
	t.Setenv("FAKE_SYNC_EXIT", "0")
	t.Setenv("FAKE_SYNC_OUTPUT", "")
	t.Setenv("FAKE_SYNC_SLEEP", "0")
	t.Setenv("FAKE_SBATCH_ID", "9001")
	return f
}

// Calls returns the logged invocations of tool, without the tool name.
func (f *Fakes) Calls(t testing.TB, tool string) []string {
	t.Helper()
	data, err := os.ReadFile(f.CallLog)
	if err != nil {
		t.Fatal(err)
	}
	calls := make([]string, 0)
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, tool+" "); ok {
			calls = append(calls, rest)
		} else if line == tool {
			calls = append(calls, "")
		}
	}
	return calls
}

// Mails returns the captured messages in send order.
func (f *Fakes) Mails(t testing.TB) []string {
	return f.captured(t, "mail-*.txt")
}

// BatchScripts returns the scripts piped to sbatch in submit order.
func (f *Fakes) BatchScripts(t testing.TB) []string {
	return f.captured(t, "sbatch-*.sh")
}

func (f *Fakes) captured(t testing.TB, pattern string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(f.Dir, pattern))
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(paths, func(i, j int) bool {
		return len(paths[i]) < len(paths[j]) || (len(paths[i]) == len(paths[j]) && paths[i] < paths[j])
	})
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, string(data))
	}
	return out
}
