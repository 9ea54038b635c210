package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MacJediWizard/snapdump/internal/command"
)

// Property is a single zfs property assignment.
type Property struct {
	Name  string
	Value string
}

func (p Property) String() string {
	return p.Name + "=" + p.Value
}

// CreationProperties selects, from "zfs get -Hp all" output, the properties
// that were explicitly set on a volume (origin local or received). These
// carry settings such as compression, acltype and atime that a replica
// should share. The mountpoint is never copied.
func CreationProperties(r io.Reader) ([]Property, error) {
	var props []Property
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, &ParseError{Line: line, Reason: "expected four tab-separated fields"}
		}
		name, value, origin := fields[1], fields[2], fields[3]
		if name == "mountpoint" {
			continue
		}
		if origin == "local" || origin == "received" {
			props = append(props, Property{Name: name, Value: value})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read zfs properties: %w", err)
	}
	return props, nil
}

// makeVolume creates dest on destZfs with the explicitly set properties of
// the source volume src.
func (z *Zfs) makeVolume(ctx context.Context, src string, destZfs *Zfs, dest string) error {
	out, err := command.Output(z.command(ctx, "get", "-Hp", "all", src))
	if err != nil {
		return fmt.Errorf("read properties of %s: %w", src, err)
	}
	props, err := CreationProperties(bytes.NewReader(out))
	if err != nil {
		return err
	}

	args := []string{"create"}
	names := make([]string, 0, len(props))
	for _, p := range props {
		args = append(args, "-o", p.String())
		names = append(names, p.String())
	}
	args = append(args, dest)

	z.logger.Info().Str("volume", dest).Strs("props", names).Msg("creating destination volume")
	if err := command.Run(destZfs.command(ctx, args...)); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	return nil
}
