// Package loader prepares the kernel module that brings up the attached
// block device inside the guest.
package loader

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/cosiner/argv"
	"github.com/pkg/errors"
)

// BlockSize is the unit the payload is transferred in.
const BlockSize = 512

// Payload is a loader artifact read from disk.
type Payload struct {
	Path string
	Data []byte
}

// Resolve reads the loader artifact at path.
func Resolve(path string) (*Payload, error) {
	if path == "" {
		return nil, errors.New("no loader path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read loader")
	}
	if len(data) == 0 {
		return nil, errors.Errorf("loader %s is empty", path)
	}
	return &Payload{Path: path, Data: data}, nil
}

// Blocks returns the number of BlockSize blocks needed to transfer the
// payload.
func (p *Payload) Blocks() int {
	return (len(p.Data) + BlockSize - 1) / BlockSize
}

// Padded returns the payload zero padded to a multiple of BlockSize.
func (p *Payload) Padded() []byte {
	buf := make([]byte, p.Blocks()*BlockSize)
	copy(buf, p.Data)
	return buf
}

const moduleName = "stage1"

var installScript = template.Must(template.New("install").Parse(`
set -eu{{if .Trace}}x{{end}} -o pipefail
tmpdir=$(mktemp -d)
trap "rm -rf '$tmpdir'" EXIT
dd if=/proc/self/fd/0 of="$tmpdir/{{.Module}}.ko" count={{.Blocks}} bs={{.BlockSize}}
# cleanup old driver if still loaded
rmmod {{.Module}} 2>/dev/null || true
insmod "$tmpdir/{{.Module}}.ko" stage2_argv="{{.Argv}}"
`))

// InstallScript renders the shell script that reads the padded payload
// from its standard input and loads it as a kernel module. The module
// starts command in the guest once the device is up. trace enables shell
// tracing.
func InstallScript(p *Payload, command string, trace bool) (string, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = installScript.Execute(&buf, struct {
		Trace     bool
		Module    string
		Blocks    int
		BlockSize int
		Argv      string
	}{trace, moduleName, p.Blocks(), BlockSize, strings.Join(args, ",")})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SplitCommand splits command into arguments with shell quoting rules.
// Arguments are passed to the module as a comma separated list so they
// cannot contain commas or double quotes.
func SplitCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("empty command")
	}
	v, err := argv.Argv(command,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command '%s'", command)
	}
	for _, arg := range v[0] {
		if strings.ContainsAny(arg, `,"`) {
			return nil, fmt.Errorf("argument %q contains a comma or a double quote", arg)
		}
	}
	return v[0], nil
}
