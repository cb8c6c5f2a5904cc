package dbus

import (
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const introspectDoctype = `<!DOCTYPE node PUBLIC "-//freedesktop/DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// Introspect renders the introspection document for the object bound
// at path: every interface on the object with its members, then one
// child node per directly nested bound path.
func (c *Conn) Introspect(path ObjectPath) (string, error) {
	c.mu.Lock()
	o := c.objects[path]
	if o == nil {
		c.mu.Unlock()
		return "", CallError{Name: ErrInvalidPath, Detail: "Path not found"}
	}
	ifaces := slices.Clone(o.interfaces)
	children := directChildren(c.objects, path)
	c.mu.Unlock()

	var b strings.Builder
	b.WriteString(introspectDoctype)
	b.WriteString("<node>\n")
	for _, i := range ifaces {
		writeInterface(&b, i)
	}
	for _, child := range children {
		fmt.Fprintf(&b, "  <node name=%s/>\n", attr(child))
	}
	b.WriteString("</node>\n")
	return b.String(), nil
}

// directChildren returns the single-segment tails of the bound paths
// directly below parent, in lexicographic order. A bound path nested
// more than one segment deep is not a direct child.
func directChildren(objects map[ObjectPath]*object, parent ObjectPath) []string {
	var ret []string
	for _, p := range slices.Sorted(maps.Keys(objects)) {
		if tail, ok := p.directChildOf(parent); ok {
			ret = append(ret, tail)
		}
	}
	return ret
}

func writeInterface(b *strings.Builder, i *Interface) {
	fmt.Fprintf(b, "  <interface name=%s>\n", attr(i.Name))
	for _, m := range i.Methods {
		fmt.Fprintf(b, "    <method name=%s>\n", attr(m.Name))
		for _, a := range m.In {
			writeArg(b, a, "in")
		}
		for _, a := range m.Out {
			writeArg(b, a, "out")
		}
		writeAnnotations(b, m.Annotations)
		b.WriteString("    </method>\n")
	}
	for _, s := range i.Signals {
		fmt.Fprintf(b, "    <signal name=%s>\n", attr(s.Name))
		for _, a := range s.Args {
			writeArg(b, a, "")
		}
		writeAnnotations(b, s.Annotations)
		b.WriteString("    </signal>\n")
	}
	for _, p := range i.Properties {
		fmt.Fprintf(b, "    <property name=%s type=%s access=%s>\n", attr(p.Name), attr(p.Sig), attr(p.Access))
		writeAnnotations(b, p.Annotations)
		b.WriteString("    </property>\n")
	}
	writeAnnotations(b, i.Annotations)
	b.WriteString("  </interface>\n")
}

func writeArg(b *strings.Builder, a ArgSpec, direction string) {
	b.WriteString("      <arg")
	if a.Name != "" {
		fmt.Fprintf(b, " name=%s", attr(a.Name))
	}
	fmt.Fprintf(b, " type=%s", attr(a.Sig))
	if direction != "" {
		fmt.Fprintf(b, " direction=%s", attr(direction))
	}
	b.WriteString("/>\n")
}

func writeAnnotations(b *strings.Builder, as []Annotation) {
	for _, a := range as {
		fmt.Fprintf(b, "      <annotation name=%s value=%s/>\n", attr(a.Name), attr(a.Value))
	}
}

// attr renders s as a quoted, escaped XML attribute value.
func attr(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	xml.EscapeText(&b, []byte(s))
	b.WriteByte('"')
	return b.String()
}
