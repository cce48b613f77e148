package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/CourseForge/internal/curriculum"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/lifecycle"
)

// --- proposals command ---

var (
	listStatus string
	listLimit  int
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Review and act on trend proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status database.ProposalStatus
		if listStatus != "" {
			st, ok := database.ParseProposalStatus(listStatus)
			if !ok {
				return fmt.Errorf("unknown proposal status: %s", listStatus)
			}
			status = st
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListProposals(cmd.Context(), status, listLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No proposals. Ingest some with: courseforge ingest")
			return nil
		}

		for _, p := range items {
			fmt.Printf("  [%d] %-10s %.2f  %s\n", p.ID, p.Status, p.Proposal.RelevanceScore, p.DisplayTitle())
			if p.FailureReason != nil {
				fmt.Printf("        failed: %s\n", *p.FailureReason)
			}
		}
		return nil
	},
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a proposal with its course and failed sections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.ctrl.Status(cmd.Context(), id)
		if err != nil {
			return err
		}
		printProposal(st.Proposal)
		if st.Course != nil {
			c := st.Course
			fmt.Printf("\nCourse [%d] %s\n", c.ID, c.Title)
			fmt.Printf("  Status: %s\n", c.Status)
			fmt.Printf("  Sections: %d (generated %d, failed %d, pending %d)\n", c.SectionCount,
				st.Sections[curriculum.SectionGenerated], st.Sections[curriculum.SectionFailed], st.Sections[curriculum.SectionPending])
			fmt.Printf("  Cost: $%.4f (%d tokens)\n", c.GenerationCostUSD, c.TokensUsed)
		}
		for _, f := range st.Failed {
			fmt.Printf("  Section %d failed: %s\n", f.Index, f.Reason)
		}
		return nil
	},
}

var approveAndGenerate bool

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a NEW proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(approveAndGenerate)
		if err != nil {
			return err
		}
		defer a.Close()

		if !approveAndGenerate {
			p, err := a.ctrl.Approve(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Proposal [%d] %s\n", p.ID, p.Status)
			return nil
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		out, err := a.ctrl.ApproveAndGenerate(ctx, id)
		if err != nil {
			return err
		}
		printOutcome(out)
		return nil
	},
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject a NEW or APPROVED proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.ctrl.Reject(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Proposal [%d] %s\n", p.ID, p.Status)
		return nil
	},
}

func generationCommand(use, short string, retry bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			run := a.ctrl.StartGeneration
			if retry {
				run = a.ctrl.Retry
			}
			out, err := run(ctx, id)
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		},
	}
}

func init() {
	proposalsListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status (NEW, APPROVED, ...)")
	proposalsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of proposals")
	proposalsApproveCmd.Flags().BoolVarP(&approveAndGenerate, "generate", "g", false, "Generate the course right away")

	proposalsCmd.AddCommand(proposalsListCmd)
	proposalsCmd.AddCommand(proposalsShowCmd)
	proposalsCmd.AddCommand(proposalsApproveCmd)
	proposalsCmd.AddCommand(proposalsRejectCmd)
	proposalsCmd.AddCommand(generationCommand("generate", "Generate the course for an APPROVED proposal", false))
	proposalsCmd.AddCommand(generationCommand("retry", "Retry the failed sections of a FAILED proposal", true))
}

// --- courses command ---

var courseMarkdown bool

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "Inspect and publish generated courses",
}

var coursesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List courses, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status database.CourseStatus
		if listStatus != "" {
			st, ok := database.ParseCourseStatus(listStatus)
			if !ok {
				return fmt.Errorf("unknown course status: %s", listStatus)
			}
			status = st
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListCourses(cmd.Context(), status)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No courses yet.")
			return nil
		}
		for _, c := range items {
			fmt.Printf("  [%d] %-9s %2d sections  $%.4f  %s\n", c.ID, c.Status, len(c.Curriculum.Sections), c.GenerationCostUSD, c.Title)
		}
		return nil
	},
}

var coursesShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a course outline, or the full course with --markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		c, err := db.GetCourse(cmd.Context(), id)
		if err != nil {
			return err
		}
		if courseMarkdown {
			fmt.Println(c.Curriculum.Markdown(c.Title))
			return nil
		}

		fmt.Printf("Course [%d] %s\n", c.ID, c.Title)
		fmt.Printf("  Status: %s  Level: %s  Language: %s\n", c.Status, c.Level, c.Language)
		fmt.Printf("  Cost: $%.4f (%d tokens, %s)\n\n", c.GenerationCostUSD, c.TokensUsed, c.AIModel)
		for _, s := range c.Curriculum.Sections {
			fmt.Printf("  %2d. %-9s %s\n", s.Index, s.Status, s.Title)
			if s.FailureReason != "" {
				fmt.Printf("        %s\n", s.FailureReason)
			}
		}
		return nil
	},
}

var coursesPublishCmd = &cobra.Command{
	Use:   "publish [id]",
	Short: "Publish a PENDING course whose sections are all generated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.ctrl.Publish(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Course [%d] %s: %s\n", c.ID, c.Title, c.Status)
		return nil
	},
}

func init() {
	coursesListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status (DRAFT, PENDING, ...)")
	coursesShowCmd.Flags().BoolVarP(&courseMarkdown, "markdown", "m", false, "Print the whole course as Markdown")

	coursesCmd.AddCommand(coursesListCmd)
	coursesCmd.AddCommand(coursesShowCmd)
	coursesCmd.AddCommand(coursesPublishCmd)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID: %s", arg)
	}
	return id, nil
}

func printProposal(p *database.TrendProposal) {
	fmt.Printf("Proposal [%d] %s\n", p.ID, p.DisplayTitle())
	fmt.Printf("  Status: %s\n", p.Status)
	fmt.Printf("  Source: %s (%s)\n", p.Source, p.SourceID)
	if p.SourceURL != nil {
		fmt.Printf("  URL: %s\n", *p.SourceURL)
	}
	fmt.Printf("  Relevance: %.2f  Est. duration: %d min  Est. cost: $%.2f\n",
		p.Proposal.RelevanceScore, p.Proposal.EstimatedDurationMinutes, p.Proposal.EstimatedCostUSD)
	if len(p.Keywords) > 0 {
		fmt.Printf("  Keywords: %s\n", strings.Join(p.Keywords, ", "))
	}
	if p.FailureReason != nil {
		fmt.Printf("  Failure: %s\n", *p.FailureReason)
	}
}

func printOutcome(out *lifecycle.Outcome) {
	p := out.Proposal
	if out.AlreadyRunning {
		fmt.Printf("\nProposal [%d] is already generating; nothing started.\n", p.ID)
		return
	}
	fmt.Printf("\nProposal [%d] %s: %s\n", p.ID, p.DisplayTitle(), p.Status)
	if c := out.Course; c != nil {
		fmt.Printf("  Course [%d] %s, $%.4f (%d tokens)\n", c.ID, c.Status, c.GenerationCostUSD, c.TokensUsed)
	}
	if out.Fill != nil {
		for _, f := range out.Fill.Failed {
			fmt.Printf("  Section %d failed: %s\n", f.Index, f.Reason)
		}
	}
	if p.FailureReason != nil {
		fmt.Printf("  Failure: %s\n", *p.FailureReason)
	}
	if out.NotifyErr != nil {
		fmt.Printf("  Automation notification failed: %v\n", out.NotifyErr)
	}
}
