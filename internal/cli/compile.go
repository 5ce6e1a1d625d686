package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/services/compiler"
	"github.com/upb/analytics-control-plane/services/governance"
	"github.com/upb/analytics-control-plane/services/pipeline"
	"github.com/upb/analytics-control-plane/services/policy"
	"github.com/upb/analytics-control-plane/utils"
)

type compileOptions struct {
	*RootOptions
	PlanPath     string
	Role         string
	Subject      string
	Attrs        map[string]string
	Scopes       []string
	DefaultLimit int
	MaxLimit     int
}

func newCompileCommand(root *RootOptions) *cobra.Command {
	opts := &compileOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Evaluate and compile a plan without executing it",
		Long: `Resolve a plan against the catalog, evaluate it against the rule set as the
given caller and print the decision, the SQL and the evidence pack. A denied
plan prints its denial record and exits 1.`,
		Example: `  govctl compile --plan plan.json --role analyst
  govctl compile --plan - --role examiner --attr region=west --scope state=CA,NV < plan.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PlanPath, "plan", "", "plan file, - for stdin")
	cmd.Flags().StringVar(&opts.Role, "role", "", "caller role")
	cmd.Flags().StringVar(&opts.Subject, "subject", "govctl", "caller subject recorded in the pack")
	cmd.Flags().StringToStringVar(&opts.Attrs, "attr", nil, "caller attribute key=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Scopes, "scope", nil, "caller row scope field=v1,v2 (repeatable)")
	cmd.Flags().IntVar(&opts.DefaultLimit, "default-limit", 200, "limit applied when the plan has none")
	cmd.Flags().IntVar(&opts.MaxLimit, "max-limit", compiler.DefaultMaxLimit, "largest limit the compiler accepts")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func runCompile(cmd *cobra.Command, opts *compileOptions) error {
	p := opts.printer(cmd)

	plan, err := readPlan(cmd.InOrStdin(), opts.PlanPath)
	if err != nil {
		var details any
		if fields := utils.GetValidationFields(err); len(fields) > 0 {
			details = fields
		}
		return p.fail(ExitCommandError, "invalid plan", err, details)
	}
	rowScope, err := parseScopes(opts.Scopes)
	if err != nil {
		return p.fail(ExitCommandError, "invalid --scope", err, nil)
	}
	cat, rs, err := opts.load()
	if err != nil {
		return p.fail(ExitFailure, "failed to load governance files", err, nil)
	}

	logger := opts.logger()
	defer func() { _ = logger.Sync() }()

	rules := policy.NewStaticStore(rs, logger)
	o := pipeline.NewOrchestrator(pipeline.Deps{
		Snapshots: governance.NewReloader(catalog.NewStaticStore(cat, logger), rules, nil, logger),
		Policy:    policy.NewPolicyService(rules, policy.NewEngine(opts.MinGroupSize), logger),
		Compiler:  compiler.NewCompilerService(compiler.NewCompiler(compiler.Options{MaxLimit: opts.MaxLimit}), nil, logger),
	}, pipeline.Config{Resolve: catalog.Options{DefaultLimit: opts.DefaultLimit}}, logger)

	result, err := o.Run(context.Background(), pipeline.Request{
		Plan: plan,
		Caller: models.CallerContext{
			Subject:    opts.Subject,
			Role:       opts.Role,
			Attributes: opts.Attrs,
			RowScope:   rowScope,
		},
	}, pipeline.Options{Execute: false})
	if err != nil {
		var details any
		if d := services.GetErrorDetails(err); len(d) > 0 {
			details = d
		}
		return p.fail(ExitCommandError, string(services.GetErrorType(err)), err, details)
	}

	if err := p.result(result, func(w io.Writer) { printResult(w, result) }); err != nil {
		return err
	}
	if result.State == pipeline.StateDenied {
		return exitError(ExitFailure, "plan denied: "+result.Decision.ReasonCode, nil)
	}
	return nil
}

// readPlan decodes and validates one plan document.
func readPlan(stdin io.Reader, path string) (*models.DslPlan, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var plan models.DslPlan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("malformed plan: %w", err)
	}
	if err := utils.ValidateStruct(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// parseScopes turns field=v1,v2 flags into a row scope. Repeating a field appends values.
func parseScopes(scopes []string) (map[string][]string, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(scopes))
	for _, s := range scopes {
		field, values, ok := strings.Cut(s, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" || values == "" {
			return nil, fmt.Errorf("%q is not field=v1,v2", s)
		}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out[field] = append(out[field], v)
			}
		}
	}
	return out, nil
}

func printResult(w io.Writer, r *pipeline.Result) {
	fmt.Fprintf(w, "state:     %s\n", r.State)
	if d := r.Decision; d != nil {
		fmt.Fprintf(w, "decision:  %s (%s)\n", d.Decision, d.ReasonCode)
		if d.Reason != "" {
			fmt.Fprintf(w, "reason:    %s\n", d.Reason)
		}
		if len(d.MatchedRules) > 0 {
			fmt.Fprintf(w, "rules:     %s\n", strings.Join(d.MatchedRules, ", "))
		}
		fmt.Fprintf(w, "versions:  catalog %s, rules %s\n", d.CatalogVersion, d.RulesetVersion)
	}
	if r.Denial != nil {
		fmt.Fprintf(w, "denial:    %s\n", r.Denial.ID)
		return
	}
	if r.Pack != nil {
		fmt.Fprintf(w, "evidence:  %s\n", r.Pack.ID())
		fmt.Fprintf(w, "sql_hash:  %s\n", r.Pack.SQLHash())
	}
	fmt.Fprintf(w, "\n%s\n", r.SQL)
}
