package flowdevkit_test

import (
	"os"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/flowdevkit/flowdevkit/internal/app"
)

type composeService struct {
	Build       string            `yaml:"build"`
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command"`
	Environment map[string]string `yaml:"environment"`
	DependsOn   map[string]struct {
		Condition string `yaml:"condition"`
	} `yaml:"depends_on"`
	Networks []string `yaml:"networks"`
	Ports    []string `yaml:"ports"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

func loadCompose(t *testing.T) composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var c composeFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return c
}

func service(t *testing.T, c composeFile, name string) composeService {
	t.Helper()
	s, ok := c.Services[name]
	if !ok {
		t.Fatalf("docker-compose.yml has no %q service", name)
	}
	return s
}

// TestCompose_SubcommandsMatchBinary は各サービスのコマンドがバイナリのサブコマンドとして解釈されることを検証する。
func TestCompose_SubcommandsMatchBinary(t *testing.T) {
	c := loadCompose(t)

	want := map[string]app.Command{
		"api":     app.CommandServe,
		"migrate": app.CommandMigrate,
		"worker":  app.CommandWorker,
	}
	for name, cmd := range want {
		s := service(t, c, name)
		if s.Build != "." {
			t.Errorf("%s: build = %q, want the repository image", name, s.Build)
		}
		if got := app.ParseCommand(s.Command); got != cmd {
			t.Errorf("%s: command %v parses as %q, want %q", name, s.Command, got, cmd)
		}
	}
}

// TestCompose_OnlyAPIReachesFlowNetwork はアクセスノードとウォレットに接続するAPIだけが外部ネットワークに出られることを検証する。
func TestCompose_OnlyAPIReachesFlowNetwork(t *testing.T) {
	c := loadCompose(t)

	if n, ok := c.Networks["internal"]; !ok || !n.Internal {
		t.Fatal("internal network must be declared with internal: true")
	}
	if n, ok := c.Networks["external"]; !ok || n.Internal {
		t.Fatal("external network must be declared without internal: true")
	}

	for name, s := range c.Services {
		external := slices.Contains(s.Networks, "external")
		if name == "api" && !external {
			t.Error("api must join the external network to reach the access node and wallets")
		}
		if name != "api" && external {
			t.Errorf("%s must not join the external network", name)
		}
		if !slices.Contains(s.Networks, "internal") {
			t.Errorf("%s must join the internal network", name)
		}
	}
}

// TestCompose_APIProviderConfiguration はAPIにプロバイダー設定の環境変数が渡ることを検証する。
func TestCompose_APIProviderConfiguration(t *testing.T) {
	api := service(t, loadCompose(t), "api")

	for _, key := range []string{"FLOW_NETWORK", "FLOW_ACCESS_NODE", "APP_TITLE", "CORS_ALLOWED_ORIGIN", "DATABASE_URL"} {
		if _, ok := api.Environment[key]; !ok {
			t.Errorf("api environment is missing %s", key)
		}
	}
	if v := api.Environment["FLOW_NETWORK"]; !strings.Contains(v, "testnet") {
		t.Errorf("FLOW_NETWORK = %q, want testnet default", v)
	}
	if v := api.Environment["FLOW_ACCESS_NODE"]; !strings.Contains(v, "https://rest-testnet.onflow.org") {
		t.Errorf("FLOW_ACCESS_NODE = %q, want testnet access node default", v)
	}
	if !slices.Contains(api.Ports, "8080:8080") {
		t.Errorf("api ports = %v, want 8080:8080", api.Ports)
	}
}

// TestCompose_StartupOrder はマイグレーション完了後にAPIとワーカーが起動することを検証する。
func TestCompose_StartupOrder(t *testing.T) {
	c := loadCompose(t)

	for _, name := range []string{"api", "worker"} {
		dep, ok := service(t, c, name).DependsOn["migrate"]
		if !ok || dep.Condition != "service_completed_successfully" {
			t.Errorf("%s must wait for migrate to complete, got %+v", name, dep)
		}
	}
	if dep := service(t, c, "migrate").DependsOn["db"]; dep.Condition != "service_healthy" {
		t.Errorf("migrate must wait for a healthy db, got %+v", dep)
	}

	db := service(t, c, "db")
	if !strings.HasPrefix(db.Image, "postgres:") {
		t.Errorf("db image = %q, want postgres", db.Image)
	}
	dsn := db.Environment["POSTGRES_DB"]
	for _, name := range []string{"api", "migrate", "worker"} {
		if url := service(t, c, name).Environment["DATABASE_URL"]; !strings.HasSuffix(strings.SplitN(url, "?", 2)[0], "/"+dsn) {
			t.Errorf("%s DATABASE_URL = %q, want database %q", name, url, dsn)
		}
	}
}

// TestDockerfile_RuntimeImage はdistroless上で非rootのflowdevkitバイナリがserveで起動し、
// healthcheckサブコマンドで死活確認することを検証する。
func TestDockerfile_RuntimeImage(t *testing.T) {
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}

	var froms []string
	directives := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		word, rest, _ := strings.Cut(line, " ")
		switch word {
		case "FROM":
			froms = append(froms, rest)
		case "ENTRYPOINT", "CMD", "USER", "HEALTHCHECK", "EXPOSE":
			directives[word] = rest
		}
	}

	if len(froms) != 2 || !strings.HasPrefix(froms[0], "golang:") {
		t.Fatalf("FROM = %v, want a golang build stage and a runtime stage", froms)
	}
	if !strings.HasPrefix(froms[1], "gcr.io/distroless/static") {
		t.Errorf("runtime stage = %q, want distroless static", froms[1])
	}
	if !strings.Contains(string(data), "./cmd/flowdevkit") {
		t.Error("build stage should compile ./cmd/flowdevkit")
	}
	if directives["ENTRYPOINT"] != `["/flowdevkit"]` {
		t.Errorf("ENTRYPOINT = %q, want [\"/flowdevkit\"]", directives["ENTRYPOINT"])
	}
	if directives["CMD"] != `["`+string(app.CommandServe)+`"]` {
		t.Errorf("CMD = %q, want serve", directives["CMD"])
	}
	if !strings.HasPrefix(directives["USER"], "nonroot") {
		t.Errorf("USER = %q, want nonroot", directives["USER"])
	}
	if !strings.Contains(directives["HEALTHCHECK"], `"/flowdevkit", "`+string(app.CommandHealthcheck)+`"`) {
		t.Errorf("HEALTHCHECK = %q, want the healthcheck subcommand", directives["HEALTHCHECK"])
	}
	if directives["EXPOSE"] != "8080" {
		t.Errorf("EXPOSE = %q, want 8080", directives["EXPOSE"])
	}
}
