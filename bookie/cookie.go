package bookie

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.bookie.dev/core/coordinator"
	"go.bookie.dev/core/errs"
)

// cookieVersion is the on-disk/coordinator cookie format version this
// implementation writes and is prepared to verify.
const cookieVersion = 1

// versionFileName is the fixed file name a cookie is stored under inside
// each configured storage directory.
const versionFileName = "VERSION"

// Cookie is the bookie's identity record: version, instance id, bookie
// address, and the directory list it was initialized against. It is
// written once per new installation to every local directory and to the
// coordinator, and verified on every subsequent startup.
type Cookie struct {
	Version       int
	InstanceID    string
	BookieAddress string
	Directories   []string
}

// Encode renders c as its on-disk/coordinator wire form: one field per
// line, directories last, one per line.
func (c Cookie) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n%s\n%s\n", c.Version, c.InstanceID, c.BookieAddress)
	for _, d := range c.Directories {
		fmt.Fprintf(&buf, "%s\n", d)
	}
	return buf.Bytes()
}

// DecodeCookie parses the Encode wire form.
func DecodeCookie(b []byte) (Cookie, error) {
	var lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) < 3 {
		return Cookie{}, errors.New("truncated cookie record")
	}
	version, err := strconv.Atoi(lines[0])
	if err != nil {
		return Cookie{}, errors.Wrap(err, "malformed cookie version")
	}
	return Cookie{
		Version:       version,
		InstanceID:    lines[1],
		BookieAddress: lines[2],
		Directories:   append([]string(nil), lines[3:]...),
	}, nil
}

// Equal compares every field for exact equality. There is no last-modified
// timestamp in this format, so unlike ZooKeeper-era cookie comparisons
// there is nothing to exclude from the comparison.
func (c Cookie) Equal(other Cookie) bool {
	if c.Version != other.Version || c.InstanceID != other.InstanceID || c.BookieAddress != other.BookieAddress {
		return false
	}
	if len(c.Directories) != len(other.Directories) {
		return false
	}
	for i := range c.Directories {
		if c.Directories[i] != other.Directories[i] {
			return false
		}
	}
	return true
}

func newCookie(instanceID, bookieAddress string, dirs []string) Cookie {
	return Cookie{
		Version:       cookieVersion,
		InstanceID:    instanceID,
		BookieAddress: bookieAddress,
		Directories:   append([]string(nil), dirs...),
	}
}

// readLocalCookie reads a directory's VERSION file, reporting found=false
// if it does not exist.
func readLocalCookie(dir string) (cookie Cookie, found bool, err error) {
	b, err := os.ReadFile(filepath.Join(dir, versionFileName))
	if os.IsNotExist(err) {
		return Cookie{}, false, nil
	} else if err != nil {
		return Cookie{}, false, errors.Wrapf(err, "reading cookie from %s", dir)
	}
	cookie, err = DecodeCookie(b)
	if err != nil {
		return Cookie{}, false, errors.Wrapf(err, "decoding cookie from %s", dir)
	}
	return cookie, true, nil
}

func writeLocalCookie(dir string, c Cookie) error {
	return os.WriteFile(filepath.Join(dir, versionFileName), c.Encode(), 0644)
}

// checkEnvironment verifies the bookie's on-disk and coordinator-recorded
// identity agree, modeled on Bookie.java's checkEnvironment: a fresh
// environment (no coordinator cookie, no local cookie in any directory) is
// initialized by generating a new instance id and writing the same Cookie
// to the coordinator and then to each directory in turn. These writes are
// not atomic as a group: if a later write fails, the cookies already
// written stay in place and the next check reports that partial set as
// errs.InvalidCookie. Any divergence between what is found thereafter is
// fatal (errs.InvalidCookie).
func checkEnvironment(ctx context.Context, coord *coordinator.Client, bookieAddress string, dirs []string) (Cookie, error) {
	coordBytes, coordFound, err := coord.ReadCookie(ctx)
	if err != nil {
		return Cookie{}, err
	}

	var localFound []string
	var local = make(map[string]Cookie)
	for _, dir := range dirs {
		c, found, err := readLocalCookie(dir)
		if err != nil {
			return Cookie{}, err
		}
		if found {
			local[dir] = c
			localFound = append(localFound, dir)
		}
	}

	if !coordFound && len(localFound) == 0 {
		var c = newCookie(uuid.NewString(), bookieAddress, dirs)
		if err := coord.WriteCookie(ctx, c.Encode()); err != nil {
			return Cookie{}, err
		}
		for _, dir := range dirs {
			if err := writeLocalCookie(dir, c); err != nil {
				return Cookie{}, err
			}
		}
		return c, nil
	}

	if !coordFound {
		return Cookie{}, errs.NewError(errs.InvalidCookie, "local directories carry a cookie but the coordinator has none")
	}

	master, err := DecodeCookie(coordBytes)
	if err != nil {
		return Cookie{}, errs.NewError(errs.InvalidCookie, "coordinator cookie is malformed: %s", err)
	}

	if len(localFound) != len(dirs) {
		return Cookie{}, errs.NewError(errs.InvalidCookie, "cookie exists in the coordinator but not in every configured directory (%d/%d)", len(localFound), len(dirs))
	}
	for dir, c := range local {
		if !c.Equal(master) {
			return Cookie{}, errs.NewError(errs.InvalidCookie, "cookie in %s diverges from the coordinator's record", dir)
		}
	}
	return master, nil
}
