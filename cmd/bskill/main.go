// Package main provides the bskill CLI for skill development: scaffolding,
// signing, bundling, and deploying skills to a buhdi node.
package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"embed"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KrizPB/buhdi-node-sub000/internal/bundle"
	"github.com/KrizPB/buhdi-node-sub000/internal/signing"
)

//go:embed templates/*
var templateFS embed.FS

var zipMagic = []byte("PK\x03\x04")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "keygen":
		runKeygen(os.Args[2:])
	case "hash":
		runHash(os.Args[2:])
	case "sign":
		runSign(os.Args[2:])
	case "pack":
		runPack(os.Args[2:])
	case "deploy":
		runDeploy(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Println("bskill version 0.3.0")
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("bskill - Buhdi Skill Development Tool")
	fmt.Println()
	fmt.Println("Usage: bskill <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init <name>              Create a new skill from template")
	fmt.Println("  keygen [base]            Generate an ed25519 signing key pair")
	fmt.Println("  hash <dir|bundle>        Compute a code hash + nonce for deploying")
	fmt.Println("  sign <dir|bundle> <key>  Sign skill code with a private key")
	fmt.Println("  pack <dir> [out]         Bundle a skill directory into a .skill file")
	fmt.Println("  deploy <dir|bundle>      Deploy a skill to a node (see deploy -h)")
	fmt.Println("  help                     Show this help message")
	fmt.Println("  version                  Show version information")
}

func fatal(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func runInit(args []string) {
	var name string
	if len(args) > 0 {
		name = args[0]
	} else {
		fmt.Print("Skill name: ")
		fmt.Scanln(&name)
	}
	if name == "" {
		fatal("skill name is required")
	}
	name = strings.ToLower(strings.ReplaceAll(name, " ", "-"))

	dir := filepath.Join("skills", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fatal("creating directory: %v", err)
	}

	data := map[string]string{
		"Name":        name,
		"NameTitle":   toTitle(name),
		"Description": "A buhdi skill",
	}

	writeTemplate(filepath.Join(dir, "manifest.json"), "templates/manifest.json.tmpl", data)
	writeTemplate(filepath.Join(dir, "main.go"), "templates/main.go.tmpl", data)
	writeTemplate(filepath.Join(dir, "build.sh"), "templates/build.sh.tmpl", data)
	os.Chmod(filepath.Join(dir, "build.sh"), 0755)
	writeTemplate(filepath.Join(dir, "README.md"), "templates/readme.md.tmpl", data)

	fmt.Printf("Created skill: %s/\n", dir)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  cd %s\n", dir)
	fmt.Println("  ./build.sh")
	fmt.Println("  bskill deploy .")
}

func runKeygen(args []string) {
	base := "buhdi"
	if len(args) > 0 {
		base = args[0]
	}

	pub, priv, err := signing.GenerateKeyPair()
	if err != nil {
		fatal("generating key pair: %v", err)
	}
	if err := signing.WriteKeyPair(base, pub, priv); err != nil {
		fatal("writing key pair: %v", err)
	}

	fmt.Printf("Wrote %s.key (private) and %s.pub (public)\n", base, base)
	fmt.Printf("Fingerprint: %s\n", signing.Fingerprint(pub))
	fmt.Println()
	fmt.Println("Keep the .key file out of version control. Nodes pin the")
	fmt.Println("public key on first verified deploy.")
}

func runHash(args []string) {
	if len(args) < 1 {
		fatal("usage: bskill hash <dir|bundle>")
	}
	_, code := loadSkill(args[0])
	nonce := newNonce()

	fmt.Printf("codeHash: %s\n", signing.BundleHash(code, nonce))
	fmt.Printf("nonce:    %s\n", nonce)
}

func runSign(args []string) {
	if len(args) < 2 {
		fatal("usage: bskill sign <dir|bundle> <private-key>")
	}
	_, code := loadSkill(args[0])
	priv, err := signing.ReadPrivateKey(args[1])
	if err != nil {
		fatal("reading private key: %v", err)
	}
	nonce := newNonce()
	pub := priv.Public().(ed25519.PublicKey)

	fmt.Printf("signature:   %s\n", signing.Sign(priv, code, nonce))
	fmt.Printf("nonce:       %s\n", nonce)
	fmt.Printf("publicKey:   %s\n", hex.EncodeToString(pub))
	fmt.Printf("fingerprint: %s\n", signing.Fingerprint(pub))
}

func runPack(args []string) {
	if len(args) < 1 {
		fatal("usage: bskill pack <dir> [out]")
	}
	dir := args[0]

	out := ""
	if len(args) > 1 {
		out = args[1]
	} else {
		raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
		if err != nil {
			fatal("reading manifest.json: %v", err)
		}
		var meta struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			fatal("parsing manifest.json: %v", err)
		}
		out = fmt.Sprintf("%s-%s.skill", meta.Name, meta.Version)
	}

	if err := bundle.Pack(dir, out); err != nil {
		fatal("packing: %v", err)
	}
	fmt.Printf("Wrote %s\n", out)
}

func runDeploy(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	node := fs.String("node", "http://127.0.0.1:8750", "node base URL")
	keyPath := fs.String("key", "", "sign the deploy with this ed25519 private key")
	token := fs.String("token", "", "bearer token for the node API")
	bypass := fs.Bool("bypass", false, "skip provenance (dev nodes only)")
	fs.Usage = func() {
		fmt.Println("Usage: bskill deploy [flags] <dir|bundle>")
		fmt.Println()
		fmt.Println("Without --key the deploy carries a code hash + nonce; with --key")
		fmt.Println("it carries an ed25519 signature instead.")
		fmt.Println()
		fs.PrintDefaults()
	}
	fs.Parse(args)

	path := fs.Arg(0)
	if path == "" {
		path = "."
	}
	manifest, code := loadSkill(path)

	req := deployRequest{
		Manifest:    manifest,
		Code:        code,
		InitiatedBy: "bskill",
	}
	switch {
	case *keyPath != "":
		priv, err := signing.ReadPrivateKey(*keyPath)
		if err != nil {
			fatal("reading private key: %v", err)
		}
		req.Nonce = newNonce()
		req.Signature = signing.Sign(priv, code, req.Nonce)
	case *bypass:
		req.Bypass = true
	default:
		req.Nonce = newNonce()
		req.CodeHash = signing.BundleHash(code, req.Nonce)
	}

	result := postDeploy(*node, *token, req)

	fmt.Printf("Status: %s\n", result.Status)
	if result.Skill != "" {
		fmt.Printf("Skill:  %s %s\n", result.Skill, result.Version)
	}
	for _, reason := range result.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	switch result.Status {
	case "pending":
		fmt.Printf("\nApprove with: curl -X POST %s/api/v1/skills/%s/approve\n", *node, result.Skill)
	case "rejected", "error":
		os.Exit(1)
	}
}

// deployRequest mirrors the node's deploy wire format.
type deployRequest struct {
	Manifest    []byte `json:"manifest"`
	Code        []byte `json:"code"`
	Signature   string `json:"signature,omitempty"`
	CodeHash    string `json:"codeHash,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Bypass      bool   `json:"bypass,omitempty"`
	InitiatedBy string `json:"initiatedBy,omitempty"`
}

type deployResponse struct {
	ID      string   `json:"id"`
	Skill   string   `json:"skill"`
	Version string   `json:"version"`
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
}

func postDeploy(node, token string, req deployRequest) deployResponse {
	body, err := json.Marshal(req)
	if err != nil {
		fatal("encoding deploy request: %v", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost,
		strings.TrimRight(node, "/")+"/api/v1/skills/deploy", bytes.NewReader(body))
	if err != nil {
		fatal("building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		fatal("reaching node: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal("reading response: %v", err)
	}
	var result deployResponse
	if err := json.Unmarshal(data, &result); err != nil {
		fatal("node returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return result
}

// loadSkill reads a skill directory (manifest.json or skill.yaml next to
// the entry file) or a .skill bundle, sniffed by zip magic.
func loadSkill(path string) (manifest, code []byte) {
	info, err := os.Stat(path)
	if err != nil {
		fatal("reading %s: %v", path, err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			fatal("reading %s: %v", path, err)
		}
		if !bytes.HasPrefix(data, zipMagic) {
			fatal("%s is not a skill bundle", path)
		}
		b, err := bundle.Parse(data)
		if err != nil {
			fatal("parsing bundle: %v", err)
		}
		return b.RawManifest, b.Code
	}

	raw, err := os.ReadFile(filepath.Join(path, "manifest.json"))
	if err != nil {
		yamlRaw, yerr := os.ReadFile(filepath.Join(path, "skill.yaml"))
		if yerr != nil {
			fatal("%s has no manifest.json or skill.yaml", path)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(yamlRaw, &doc); err != nil {
			fatal("parsing skill.yaml: %v", err)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			fatal("converting skill.yaml: %v", err)
		}
	}

	var meta struct {
		Entry string `json:"entry"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		fatal("parsing manifest: %v", err)
	}
	if meta.Entry == "" {
		fatal("manifest has no entry")
	}
	code, err = os.ReadFile(filepath.Join(path, filepath.FromSlash(meta.Entry)))
	if err != nil {
		fatal("reading entry: %v", err)
	}
	return raw, code
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		fatal("generating nonce: %v", err)
	}
	return hex.EncodeToString(buf)
}

func writeTemplate(path, tmplPath string, data any) {
	content, err := templateFS.ReadFile(tmplPath)
	if err != nil {
		fatal("reading template %s: %v", tmplPath, err)
	}
	tmpl, err := template.New(filepath.Base(tmplPath)).Parse(string(content))
	if err != nil {
		fatal("parsing template %s: %v", tmplPath, err)
	}
	f, err := os.Create(path)
	if err != nil {
		fatal("creating file %s: %v", path, err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, data); err != nil {
		fatal("rendering template %s: %v", tmplPath, err)
	}
}

func toTitle(s string) string {
	words := strings.Split(s, "-")
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, "")
}
