// Package qbxml builds qbXML requests for the QuickBooks Web Connector and parses the
// responses into typed records.
package qbxml

import (
	"encoding/xml"
	"strings"
)

const DefaultVersion = "16.0"

// OnError is the QBXMLMsgsRq batching policy.
type OnError string

const (
	StopOnError     OnError = "stopOnError"
	ContinueOnError OnError = "continueOnError"
)

// Command is a single typed request inside a QBXMLMsgsRq container.
type Command struct {
	Name      string
	RequestID string
	Body      string
}

// WithRequestID returns a copy of the command carrying id.
func (c Command) WithRequestID(id string) Command {
	c.RequestID = id
	return c
}

type Builder struct {
	version string
	onError OnError
}

func NewBuilder(version string) *Builder {
	if version == "" {
		version = DefaultVersion
	}
	return &Builder{version: version, onError: StopOnError}
}

// WithOnError returns a builder using a different batching policy.
func (b *Builder) WithOnError(policy OnError) *Builder {
	return &Builder{version: b.version, onError: policy}
}

func (b *Builder) Version() string {
	return b.version
}

// Build wraps commands in the qbXML envelope. Output is compact and deterministic.
func (b *Builder) Build(cmds ...Command) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	sb.WriteString(`<?qbxml version="` + b.version + `"?>` + "\n")
	sb.WriteString(`<QBXML><QBXMLMsgsRq onError="` + string(b.onError) + `">`)
	for _, c := range cmds {
		id := c.RequestID
		if id == "" {
			id = "1"
		}
		sb.WriteString("<" + c.Name + ` requestID="`)
		writeEscaped(&sb, id)
		sb.WriteString(`">`)
		sb.WriteString(c.Body)
		sb.WriteString("</" + c.Name + ">")
	}
	sb.WriteString(`</QBXMLMsgsRq></QBXML>`)
	return sb.String()
}

// body accumulates child elements of a command. Empty values are skipped.
type body struct {
	sb strings.Builder
}

func (w *body) field(tag, value string) *body {
	if value == "" {
		return w
	}
	w.sb.WriteString("<" + tag + ">")
	writeEscaped(&w.sb, value)
	w.sb.WriteString("</" + tag + ">")
	return w
}

// group writes a container element only when fill produced content.
func (w *body) group(tag string, fill func(*body)) *body {
	var inner body
	fill(&inner)
	if inner.sb.Len() == 0 {
		return w
	}
	w.sb.WriteString("<" + tag + ">")
	w.sb.WriteString(inner.sb.String())
	w.sb.WriteString("</" + tag + ">")
	return w
}

func (w *body) String() string {
	return w.sb.String()
}

func writeEscaped(sb *strings.Builder, s string) {
	_ = xml.EscapeText(sb, []byte(s))
}
