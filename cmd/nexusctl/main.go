// Command nexusctl is the administrative client for a running nexusd: it
// issues JSON-RPC calls over HTTP the same way any other caller would,
// authenticating with a bearer token instead of talking to the storage
// layer directly, grounded on the Execute shape of http/client.go with a
// single attempt per call.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexi-lab/nexus/internal/rpcserver"
	"github.com/nexi-lab/nexus/pkg/version"
)

const (
	exitOK      = 0
	exitGeneric = 1
	exitUsage   = 2
)

var rootCmd = &cobra.Command{
	Use:   "nexusctl",
	Short: "Administrative client for nexusd",
}

func main() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "nexusd base URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token (API key or JWT)")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.SetEnvPrefix("NEXUSCTL")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		versionCmd,
		createKeyCmd,
		provisionUserCmd,
		registerWorkspaceCmd,
		addMountCmd,
		listMountsCmd,
		syncMountCmd,
		readCmd,
		writeCmd,
		lsCmd,
		rebacCheckCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGeneric)
	}
}

// rpcClient posts one JSON-RPC 2.0 request per call, matching the
// always-200-with-envelope-error contract handleRPC implements.
type rpcClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func clientFromFlags() *rpcClient {
	return &rpcClient{
		baseURL: viper.GetString("server"),
		token:   viper.GetString("token"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *rpcClient) call(method string, params interface{}, result interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	req := rpcserver.Request{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: json.RawMessage("1")}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope rpcserver.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s (code %d)", envelope.Error.Message, envelope.Error.Code)
	}
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(envelope.Result)
	if err != nil {
		return fmt.Errorf("re-encode result: %w", err)
	}
	return json.Unmarshal(raw, result)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode output:", err)
		return
	}
	fmt.Println(string(out))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print nexusctl's build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetBuildInfo().String())
	},
}

var createKeyCmd = &cobra.Command{
	Use:   "create-key --tenant T --subject S [--admin] [--scope s]...",
	Short: "mint a new API key for a subject (calls admin_create_key)",
	Run: func(cmd *cobra.Command, args []string) {
		tenant, _ := cmd.Flags().GetString("tenant")
		subject, _ := cmd.Flags().GetString("subject")
		isAdmin, _ := cmd.Flags().GetBool("admin")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		if tenant == "" || subject == "" {
			fmt.Fprintln(os.Stderr, "--tenant and --subject are required")
			os.Exit(exitUsage)
		}

		var result struct {
			APIKey string `json:"api_key"`
			Prefix string `json:"prefix"`
		}
		if err := clientFromFlags().call("admin_create_key", map[string]interface{}{
			"tenant_id": tenant, "subject_id": subject, "is_admin": isAdmin, "scopes": scopes,
		}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var provisionUserCmd = &cobra.Command{
	Use:   "provision-user --tenant T --subject S [--scope s]...",
	Short: "provision a non-admin API key for a new subject",
	Run: func(cmd *cobra.Command, args []string) {
		tenant, _ := cmd.Flags().GetString("tenant")
		subject, _ := cmd.Flags().GetString("subject")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		if tenant == "" || subject == "" {
			fmt.Fprintln(os.Stderr, "--tenant and --subject are required")
			os.Exit(exitUsage)
		}

		var result struct {
			APIKey string `json:"api_key"`
			Prefix string `json:"prefix"`
		}
		if err := clientFromFlags().call("provision_user", map[string]interface{}{
			"tenant_id": tenant, "subject_id": subject, "scopes": scopes,
		}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var registerWorkspaceCmd = &cobra.Command{
	Use:   "register-workspace --workspace-id W",
	Short: "register the caller as owner of a new workspace",
	Run: func(cmd *cobra.Command, args []string) {
		workspaceID, _ := cmd.Flags().GetString("workspace-id")
		if workspaceID == "" {
			fmt.Fprintln(os.Stderr, "--workspace-id is required")
			os.Exit(exitUsage)
		}
		var result map[string]interface{}
		if err := clientFromFlags().call("register_workspace", map[string]interface{}{
			"workspace_id": workspaceID,
		}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var addMountCmd = &cobra.Command{
	Use:   "add-mount --prefix P --local-root R --metadata-path M [--read-only] [--priority N]",
	Short: "register a new local-backend mount (calls add_mount)",
	Run: func(cmd *cobra.Command, args []string) {
		prefix, _ := cmd.Flags().GetString("prefix")
		localRoot, _ := cmd.Flags().GetString("local-root")
		metadataPath, _ := cmd.Flags().GetString("metadata-path")
		readOnly, _ := cmd.Flags().GetBool("read-only")
		priority, _ := cmd.Flags().GetInt("priority")
		if prefix == "" || localRoot == "" || metadataPath == "" {
			fmt.Fprintln(os.Stderr, "--prefix, --local-root and --metadata-path are required")
			os.Exit(exitUsage)
		}
		var result map[string]string
		if err := clientFromFlags().call("add_mount", map[string]interface{}{
			"prefix": prefix, "local_root": localRoot, "metadata_path": metadataPath,
			"read_only": readOnly, "priority": priority,
		}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var listMountsCmd = &cobra.Command{
	Use:   "list-mounts",
	Short: "list mounts visible to the caller",
	Run: func(cmd *cobra.Command, args []string) {
		var result interface{}
		if err := clientFromFlags().call("list_mounts", map[string]interface{}{}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var syncMountCmd = &cobra.Command{
	Use:   "sync-mount --prefix P",
	Short: "scan a mount's metadata records in a background job",
	Run: func(cmd *cobra.Command, args []string) {
		prefix, _ := cmd.Flags().GetString("prefix")
		if prefix == "" {
			fmt.Fprintln(os.Stderr, "--prefix is required")
			os.Exit(exitUsage)
		}
		var result interface{}
		if err := clientFromFlags().call("sync_mount", map[string]interface{}{"prefix": prefix}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var readCmd = &cobra.Command{
	Use:   "read --path P",
	Short: "read a file's content",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			fmt.Fprintln(os.Stderr, "--path is required")
			os.Exit(exitUsage)
		}
		var result interface{}
		if err := clientFromFlags().call("read", map[string]interface{}{"path": path}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write --path P --file F",
	Short: "write a local file's content to a remote path",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		file, _ := cmd.Flags().GetString("file")
		if path == "" || file == "" {
			fmt.Fprintln(os.Stderr, "--path and --file are required")
			os.Exit(exitUsage)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		var result interface{}
		if err := clientFromFlags().call("write", map[string]interface{}{
			"path": path, "data": rpcserver.Bytes(data),
		}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls --path P",
	Short: "list directory entries",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		recursive, _ := cmd.Flags().GetBool("recursive")
		var result interface{}
		if err := clientFromFlags().call("list", map[string]interface{}{"prefix": path, "recursive": recursive}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

var rebacCheckCmd = &cobra.Command{
	Use:   "rebac-check --subject S --permission P --object O",
	Short: "check whether subject holds permission on object",
	Run: func(cmd *cobra.Command, args []string) {
		subject, _ := cmd.Flags().GetString("subject")
		permission, _ := cmd.Flags().GetString("permission")
		object, _ := cmd.Flags().GetString("object")
		var result interface{}
		if err := clientFromFlags().call("rebac_check", map[string]interface{}{
			"subject":    map[string]interface{}{"entity": parseEntity(subject)},
			"permission": permission,
			"object":     parseEntity(object),
		}, &result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGeneric)
		}
		printJSON(result)
	},
}

// parseEntity splits a "type:id" string into the {type, id} shape
// model.Entity marshals to on the wire, e.g. "user:alice" -> {"type":
// "user", "id": "alice"}.
func parseEntity(s string) map[string]string {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return map[string]string{"type": "", "id": s}
	}
	return map[string]string{"type": s[:idx], "id": s[idx+1:]}
}

func init() {
	createKeyCmd.Flags().String("tenant", "", "tenant ID")
	createKeyCmd.Flags().String("subject", "", "subject ID")
	createKeyCmd.Flags().Bool("admin", false, "mint an admin key")
	createKeyCmd.Flags().StringSlice("scope", nil, "scope (repeatable)")

	provisionUserCmd.Flags().String("tenant", "", "tenant ID")
	provisionUserCmd.Flags().String("subject", "", "subject ID")
	provisionUserCmd.Flags().StringSlice("scope", nil, "scope (repeatable)")

	registerWorkspaceCmd.Flags().String("workspace-id", "", "workspace ID")

	addMountCmd.Flags().String("prefix", "", "mount prefix")
	addMountCmd.Flags().String("local-root", "", "local backend content root")
	addMountCmd.Flags().String("metadata-path", "", "embedded metadata store file path")
	addMountCmd.Flags().Bool("read-only", false, "mark the mount read-only")
	addMountCmd.Flags().Int("priority", 0, "mount resolution priority")

	syncMountCmd.Flags().String("prefix", "", "mount prefix")

	readCmd.Flags().String("path", "", "remote path")

	writeCmd.Flags().String("path", "", "remote path")
	writeCmd.Flags().String("file", "", "local file to upload")

	lsCmd.Flags().String("path", "", "remote directory path")
	lsCmd.Flags().Bool("recursive", false, "list recursively")

	rebacCheckCmd.Flags().String("subject", "", "subject entity, e.g. user:alice")
	rebacCheckCmd.Flags().String("permission", "", "permission name")
	rebacCheckCmd.Flags().String("object", "", "object entity, e.g. file:/a.txt")
}
