// Command docgen writes the AsciiDoc API reference from the @Title/@Route
// annotations on the HTTP handlers in internal/api.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/transactions"
	"exoneum.core/exc/internal/types"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

// Method returns the HTTP method of the route.
func (e Endpoint) Method() string {
	method, _, _ := strings.Cut(e.Route, " ")
	return method
}

// Path returns the route without its method.
func (e Endpoint) Path() string {
	_, path, ok := strings.Cut(e.Route, " ")
	if !ok {
		return e.Route
	}
	return path
}

var (
	reTitle = regexp.MustCompile(`// @Title: (.*)`)
	reRoute = regexp.MustCompile(`// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`// @Description: (.*)`)
	reResp  = regexp.MustCompile(`// @Response: (.*)`)
)

func main() {
	apiDir := flag.String("api", "internal/api", "directory holding the annotated handlers")
	out := flag.String("out", "docs/api.adoc", "output file")
	flag.Parse()

	endpoints, err := collect(*apiDir)
	if err != nil {
		logrus.WithError(err).Fatal("collect endpoints")
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		logrus.WithError(err).Fatal("create output directory")
	}
	f, err := os.Create(*out)
	if err != nil {
		logrus.WithError(err).Fatal("create output file")
	}
	defer f.Close()

	if err := render(f, endpoints); err != nil {
		logrus.WithError(err).Fatal("write reference")
	}
	logrus.WithFields(logrus.Fields{"endpoints": len(endpoints), "file": *out}).Info("API reference generated")
}

// collect scans the non-test Go files of dir for annotated handlers.
func collect(dir string) ([]Endpoint, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		found, err := parseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, found...)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Path() == endpoints[j].Path() {
			return endpoints[i].Method() < endpoints[j].Method()
		}
		return endpoints[i].Path() < endpoints[j].Path()
	})
	return endpoints, nil
}

func parseFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

// parse reads annotation blocks; @Response closes a block.
func parse(r io.Reader) ([]Endpoint, error) {
	var endpoints []Endpoint
	var current Endpoint

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

func render(w io.Writer, endpoints []Endpoint) error {
	var b strings.Builder

	fmt.Fprintf(&b, "= %s node API\n:toc: left\n\n", types.ServiceName)
	fmt.Fprintf(&b, "Version %s. Generated by `go run ./cmd/docgen`; do not edit by hand.\n\n", types.Version)
	b.WriteString("Errors are returned as `{\"error\": \"...\"}` with status 400, 404, 405, 429 or 500.\n\n")

	b.WriteString("== Endpoints\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "=== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ep.Description)
		}
		if ep.Response != "" {
			fmt.Fprintf(&b, "Response:\n\n----\n%s\n----\n\n", ep.Response)
		}
	}

	b.WriteString("== Execution error codes\n\n")
	fmt.Fprintf(&b, "Reported in receipts and in the codespace `%s`.\n\n", transactions.CodespaceExecution)
	b.WriteString("[cols=\"1,4\"]\n|===\n|Code |Description\n\n")
	for _, kind := range transactions.Kinds() {
		fmt.Fprintf(&b, "|%d\n|%s\n\n", kind.Code(), kind)
	}
	b.WriteString("|===\n\n")

	b.WriteString("== Verification codes\n\n")
	fmt.Fprintf(&b, "Reported by the consensus engine in the codespace `%s`; no receipt is written.\n\n", transactions.CodespaceVerification)
	b.WriteString("[cols=\"1,4\"]\n|===\n|Code |Meaning\n\n")
	fmt.Fprintf(&b, "|%d\n|Malformed transaction bytes\n\n", transactions.CodeEncodingError)
	fmt.Fprintf(&b, "|%d\n|Invalid signature\n\n", transactions.CodeBadSignature)
	fmt.Fprintf(&b, "|%d\n|Unknown service id\n\n", transactions.CodeUnknownService)
	b.WriteString("|===\n")

	_, err := io.WriteString(w, b.String())
	return err
}
