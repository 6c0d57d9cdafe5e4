// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package definitions loads named registers and presenter tables.
//
// Text files hold one definition per line. Lines starting with white space
// continue the previous line and '#' starts a comment:
//
//	# name     register
//	voltage    i@100/f
//	state      h@200:state
//	alarms     i@210|alarms
//	:state     0=off 1=on 0x10=fault
//	|alarms    0=overheat 3=undervoltage
//
// Files ending in .yaml or .yml hold the same information:
//
//	registers:
//	  voltage: i@100/f
//	presenters:
//	  ":state": {0: "off", 1: "on"}
package definitions

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	modbus "github.com/grid-x/modbus-cli"
)

// Definitions maps register names to register definitions and presenter
// names to their tables. It implements modbus.Definitions.
type Definitions struct {
	registers  map[string]string
	presenters map[string]map[int64]string
}

// New returns empty definitions.
func New() *Definitions {
	return &Definitions{
		registers:  make(map[string]string),
		presenters: make(map[string]map[int64]string),
	}
}

// Lookup returns the register definition stored under name.
func (d *Definitions) Lookup(name string) (string, bool) {
	def, ok := d.registers[name]
	return def, ok
}

// Names returns the register names in lexical order.
func (d *Definitions) Names() []string {
	names := make([]string, 0, len(d.registers))
	for name := range d.registers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Symbols returns the table of a ':' presenter.
func (d *Definitions) Symbols(presenter string) (map[int64]string, bool) {
	if !strings.HasPrefix(presenter, ":") {
		return nil, false
	}
	table, ok := d.presenters[presenter]
	return table, ok
}

// BitNames returns the table of a '|' presenter.
func (d *Definitions) BitNames(presenter string) (map[int]string, bool) {
	if !strings.HasPrefix(presenter, "|") {
		return nil, false
	}
	table, ok := d.presenters[presenter]
	if !ok {
		return nil, false
	}
	names := make(map[int]string, len(table))
	for bit, name := range table {
		names[int(bit)] = name
	}
	return names, true
}

// Len returns the number of register definitions.
func (d *Definitions) Len() int {
	return len(d.registers)
}

// AddRegister stores a register definition. A definition that is not a
// literal register is rejected.
func (d *Definitions) AddRegister(name, def string) error {
	if !modbus.RegisterPattern.MatchString(def) {
		return fmt.Errorf("invalid definition '%v' for register '%v'", def, name)
	}
	d.registers[name] = def
	return nil
}

// AddPresenter stores a presenter table. The name includes its ':' or '|'
// prefix.
func (d *Definitions) AddPresenter(name string, table map[int64]string) error {
	if len(name) < 2 || (name[0] != ':' && name[0] != '|') {
		return fmt.Errorf("invalid presenter name '%v'", name)
	}
	d.presenters[name] = table
	return nil
}

// Load reads the given files. Empty paths are ignored. Definitions which
// are skipped are reported as warnings.
func Load(paths []string) (*Definitions, []modbus.Warning, error) {
	d := New()
	var warnings []modbus.Warning
	for _, path := range paths {
		if path == "" {
			continue
		}
		w, err := d.LoadFile(path)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, err
		}
	}
	return d, warnings, nil
}

// LoadFile reads one file, choosing the format by its extension.
func (d *Definitions) LoadFile(path string) ([]modbus.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return d.ParseYAML(f, path)
	}
	return d.Parse(f, path)
}

// Parse reads definitions in text format. source names the input in
// warnings and errors.
func (d *Definitions) Parse(r io.Reader, source string) ([]modbus.Warning, error) {
	var (
		warnings    []modbus.Warning
		accumulated string
		start       int
	)
	flush := func() error {
		w, err := d.parseLine(accumulated, fmt.Sprintf("%s:%d", source, start))
		if w != nil {
			warnings = append(warnings, *w)
		}
		return err
	}

	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if line != "" && (line[0] == ' ' || line[0] == '\t') {
			accumulated += " " + line
			continue
		}
		if err := flush(); err != nil {
			return warnings, err
		}
		accumulated, start = line, lineNo
	}
	if err := scanner.Err(); err != nil {
		return warnings, err
	}
	return warnings, flush()
}

func (d *Definitions) parseLine(line, where string) (*modbus.Warning, error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	if name := fields[0]; name[0] == ':' || name[0] == '|' {
		table := make(map[int64]string, len(fields)-1)
		for _, entry := range fields[1:] {
			value, symbol, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, fmt.Errorf("%s: presenter entry '%v' is not value=name", where, entry)
			}
			n, err := strconv.ParseInt(value, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: presenter entry '%v': %w", where, entry, err)
			}
			table[n] = symbol
		}
		if err := d.AddPresenter(name, table); err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		return nil, nil
	}

	if len(fields) != 2 {
		return &modbus.Warning{Subject: where, Err: errors.New("expected a register name and its definition, skipping line")}, nil
	}
	if err := d.AddRegister(fields[0], fields[1]); err != nil {
		return &modbus.Warning{Subject: where, Err: fmt.Errorf("%w, skipping it", err)}, nil
	}
	return nil, nil
}

type yamlFile struct {
	Registers  map[string]string           `yaml:"registers"`
	Presenters map[string]map[int64]string `yaml:"presenters"`
}

// ParseYAML reads definitions in YAML format.
func (d *Definitions) ParseYAML(r io.Reader, source string) ([]modbus.Warning, error) {
	var file yamlFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	var warnings []modbus.Warning
	names := make([]string, 0, len(file.Registers))
	for name := range file.Registers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.AddRegister(name, file.Registers[name]); err != nil {
			warnings = append(warnings, modbus.Warning{Subject: source, Err: fmt.Errorf("%w, skipping it", err)})
		}
	}
	for name, table := range file.Presenters {
		if err := d.AddPresenter(name, table); err != nil {
			return warnings, fmt.Errorf("%s: %w", source, err)
		}
	}
	return warnings, nil
}
