package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/toolrunner/pkg/api"
)

type globalOptions struct {
	server  string
	apiKey  string
	tenant  string
	timeout time.Duration
}

func (o *globalOptions) client() *client {
	return newClient(o.server, o.apiKey, o.tenant, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "toolctl",
		Short:         "Register and invoke tools on a toolrunner server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("TOOLRUNNER_SERVER", "http://localhost:8080"), "Server base URL")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("TOOLRUNNER_API_KEY"), "API key sent as X-API-Key")
	flags.StringVar(&opts.tenant, "tenant", os.Getenv("TOOLRUNNER_TENANT"), "Tenant sent as X-Tenant-ID (servers without authentication)")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "HTTP client timeout")

	rootCmd.AddCommand(
		newRegisterCmd(opts),
		newToolsCmd(opts),
		newVersionsCmd(opts),
		newInvokeCmd(opts),
		newResultCmd(opts),
		newExecutionsCmd(opts),
		newCancelCmd(opts),
		newUsageCmd(opts),
		newPoolCmd(opts),
	)
	return rootCmd
}

func newRegisterCmd(opts *globalOptions) *cobra.Command {
	var (
		name         string
		language     string
		schemaFile   string
		description  string
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "register <file>",
		Short: "Register a tool version from a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRegisterRequest(args[0], name, language, schemaFile, description, capabilities)
			if err != nil {
				return err
			}
			var def api.ToolDefinition
			status, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/tools", req, &def)
			if err != nil {
				return err
			}
			if status == http.StatusOK {
				fmt.Fprintf(cmd.ErrOrStderr(), "version %s already registered\n", def.ContentHash)
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Tool name (default: function name from the file name)")
	cmd.Flags().StringVar(&language, "language", "", "python or javascript (default: from the file extension)")
	cmd.Flags().StringVar(&schemaFile, "schema", "", "JSON Schema file for the arguments (default: derived from the signature)")
	cmd.Flags().StringVar(&description, "description", "", "Tool description")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Declared capability (repeatable), e.g. vault")
	return cmd
}

func buildRegisterRequest(path, name, language, schemaFile, description string, capabilities []string) (api.RegisterRequest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return api.RegisterRequest{}, err
	}

	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if language == "" {
		switch filepath.Ext(path) {
		case ".js", ".mjs":
			language = "javascript"
		default:
			language = "python"
		}
	}
	lang, err := api.ParseLanguage(language)
	if err != nil {
		return api.RegisterRequest{}, err
	}

	req := api.RegisterRequest{
		Name:        name,
		Language:    lang,
		Source:      string(src),
		Description: description,
	}
	for _, c := range capabilities {
		req.Capabilities = append(req.Capabilities, api.Capability(c))
	}
	if schemaFile != "" {
		schema, err := os.ReadFile(schemaFile)
		if err != nil {
			return api.RegisterRequest{}, err
		}
		if !json.Valid(schema) {
			return api.RegisterRequest{}, fmt.Errorf("%s is not valid JSON", schemaFile)
		}
		req.InputSchema = schema
	}
	return req, nil
}

func newToolsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the latest version of every tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out json.RawMessage
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/tools", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newVersionsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <tool>",
		Short: "List every registered version of a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			path := "/v1/tools/" + url.PathEscape(args[0]) + "/versions"
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// invokeResponse holds either an execution result or a request error.
type invokeResponse struct {
	api.ExecutionResult
	RequestError *api.ExecError `json:"error"`
}

func newInvokeCmd(opts *globalOptions) *cobra.Command {
	var (
		rawArgs   string
		argsFile  string
		hash      string
		traceID   string
		timeoutMS int64
	)

	cmd := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Invoke a tool and print the execution result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments := json.RawMessage(rawArgs)
			if argsFile != "" {
				data, err := os.ReadFile(argsFile)
				if err != nil {
					return err
				}
				arguments = data
			}
			if !json.Valid(arguments) {
				return fmt.Errorf("arguments are not valid JSON: %s", arguments)
			}

			req := api.InvokeRequest{
				ToolName:    args[0],
				ContentHash: hash,
				Arguments:   arguments,
				TimeoutMS:   timeoutMS,
				TraceID:     traceID,
			}
			var res invokeResponse
			_, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/invoke", req, &res,
				http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError,
				http.StatusServiceUnavailable, http.StatusGatewayTimeout)
			if err != nil {
				return err
			}
			if res.Code == "" {
				if res.RequestError != nil {
					return res.RequestError
				}
				return fmt.Errorf("server returned no execution result")
			}
			if err := printJSON(cmd.OutOrStdout(), res.ExecutionResult); err != nil {
				return err
			}
			if res.Code != api.CodeOK {
				return fmt.Errorf("invocation finished with %s", res.Code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "{}", "Arguments as a JSON object")
	cmd.Flags().StringVar(&argsFile, "args-file", "", "Read the arguments from a JSON file")
	cmd.Flags().StringVar(&hash, "hash", "", "Pin a content hash (default: latest version)")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "Trace ID for the execution (default: generated)")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "Execution timeout in milliseconds (default: server default)")
	return cmd
}

func newResultCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <trace-id>",
		Short: "Show the recorded result of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res api.ExecutionResult
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/executions/"+url.PathEscape(args[0]), nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newExecutionsCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent executions of the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/executions"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var out json.RawMessage
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of executions (default: server default)")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <trace-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().do(cmd.Context(), http.MethodDelete, "/v1/executions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newUsageCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show the tenant's session window and quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var w api.SessionWindow
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/usage", nil, &w); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}
}

func newPoolCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show worker pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out json.RawMessage
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/pool", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
