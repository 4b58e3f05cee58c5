// Package validate checks downloaded knowledge-base files for structural
// problems before they are published.
package validate

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Spot-check the leading categories only; full-corpus linting is a job
// for an AIML toolchain, not the downloader.
const categoryCheckLimit = 3

type categoryCheck struct {
	index       int
	hasPattern  bool
	hasTemplate bool
}

// File checks that content is non-empty, well-formed XML. For *.aiml
// files it additionally inspects the document structure; those findings
// come back as warnings and never fail the file. A non-nil error means
// the file must not be published.
func File(content []byte, name string) ([]string, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, errors.New("file is empty")
	}
	rootName, checks, categoryCount, err := walkDocument(content)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(name)) != ".aiml" {
		return nil, nil
	}
	var warnings []string
	if !strings.EqualFold(rootName, "aiml") {
		warnings = append(warnings, fmt.Sprintf("root element is <%s>, expected <aiml>", rootName))
	}
	if categoryCount == 0 {
		warnings = append(warnings, "no <category> elements")
		return warnings, nil
	}
	for _, check := range checks {
		if !check.hasPattern {
			warnings = append(warnings, fmt.Sprintf("category %d missing <pattern>", check.index))
		}
		if !check.hasTemplate {
			warnings = append(warnings, fmt.Sprintf("category %d missing <template>", check.index))
		}
	}
	return warnings, nil
}

// walkDocument streams the XML token by token, enforcing a single
// well-formed document and collecting category structure along the way.
// Categories are counted at any depth since AIML nests them in <topic>.
func walkDocument(content []byte) (string, []*categoryCheck, int, error) {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	var (
		rootName      string
		rootClosed    bool
		elementStack  []string
		openChecks    []*categoryCheck
		checks        []*categoryCheck
		categoryCount int
	)
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, 0, fmt.Errorf("XML parse error: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if rootClosed {
				return "", nil, 0, errors.New("XML parse error: junk after document element")
			}
			name := t.Name.Local
			if rootName == "" {
				rootName = name
			}
			if len(elementStack) > 0 && elementStack[len(elementStack)-1] == "category" && len(openChecks) > 0 {
				top := openChecks[len(openChecks)-1]
				switch name {
				case "pattern":
					top.hasPattern = true
				case "template":
					top.hasTemplate = true
				}
			}
			if name == "category" {
				categoryCount++
				check := &categoryCheck{index: categoryCount}
				openChecks = append(openChecks, check)
				if len(checks) < categoryCheckLimit {
					checks = append(checks, check)
				}
			}
			elementStack = append(elementStack, name)
		case xml.EndElement:
			if len(elementStack) > 0 {
				if elementStack[len(elementStack)-1] == "category" && len(openChecks) > 0 {
					openChecks = openChecks[:len(openChecks)-1]
				}
				elementStack = elementStack[:len(elementStack)-1]
			}
			if len(elementStack) == 0 {
				rootClosed = true
			}
		case xml.CharData:
			if rootClosed && len(bytes.TrimSpace(t)) > 0 {
				return "", nil, 0, errors.New("XML parse error: junk after document element")
			}
		}
	}
	if rootName == "" {
		return "", nil, 0, errors.New("XML parse error: no document element")
	}
	if !rootClosed {
		return "", nil, 0, errors.New("XML parse error: unexpected EOF")
	}
	return rootName, checks, categoryCount, nil
}
