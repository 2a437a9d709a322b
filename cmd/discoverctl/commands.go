package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/discoverd/internal/http"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/recommend"
)

func userPath(userID, suffix string) string {
	return "/api/v1/users/" + url.PathEscape(userID) + suffix
}

func newHealthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check discoverd server health",
		Long: `Check the health status of the discoverd HTTP server.

Examples:
  discoverctl health
  discoverctl health --server http://localhost:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.HealthResponse
			if err := o.call(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", o.serverURL)
			return nil
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status and vector store counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.StatusResponse
			if err := o.call(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newLearnCmd(o *options) *cobra.Command {
	var (
		kind       string
		rating     float64
		completion float64
		duration   float64
	)
	cmd := &cobra.Command{
		Use:   "learn <user-id> <media-id>",
		Short: "Record an interaction and print the updated profile",
		Long: `Record an interaction between a user and a catalog item.

Examples:
  discoverctl learn alice m42 --type like
  discoverctl learn alice m42 --type watch --duration 5400 --completion 0.9
  discoverctl learn alice m42 --type view --rating 8.5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.InteractionRequest{
				MediaID: args[1],
				Type:    media.InteractionType(kind),
			}
			flags := cmd.Flags()
			if flags.Changed("rating") {
				req.Rating = &rating
			}
			if flags.Changed("completion") {
				req.Completion = &completion
			}
			if flags.Changed("duration") {
				req.Duration = &duration
			}
			var resp api.ProfileResponse
			if err := o.call(cmd.Context(), http.MethodPost, userPath(args[0], "/interactions"), req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", string(media.InteractionView), "interaction type (view, like, dislike, watch, skip, search)")
	cmd.Flags().Float64Var(&rating, "rating", 0, "explicit rating on a 0-10 scale")
	cmd.Flags().Float64Var(&completion, "completion", 0, "fraction watched, 0-1")
	cmd.Flags().Float64Var(&duration, "duration", 0, "seconds watched")
	return cmd
}

func newProfileCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or manage user profiles",
	}

	get := &cobra.Command{
		Use:   "get <user-id>",
		Short: "Show a user's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ProfileResponse
			if err := o.call(cmd.Context(), http.MethodGet, userPath(args[0], "/profile"), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	del := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.DeleteResponse
			if err := o.call(cmd.Context(), http.MethodDelete, userPath(args[0], "/profile"), nil, &resp); err != nil {
				return err
			}
			if resp.Deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No profile for %s\n", args[0])
			}
			return nil
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild <user-id>",
		Short: "Recompute a user's profile from recent interaction history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ProfileResponse
			if err := o.call(cmd.Context(), http.MethodPost, userPath(args[0], "/profile/rebuild"), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.AddCommand(get, del, rebuild)
	return cmd
}

func newRecommendCmd(o *options) *cobra.Command {
	var (
		limit       int
		candidates  []string
		noDiversify bool
	)
	cmd := &cobra.Command{
		Use:   "recommend <user-id>",
		Short: "Rank catalog items for a user",
		Long: `Rank candidate items for a user. Without --candidates the server
ranks its catalog.

Examples:
  discoverctl recommend alice --limit 10
  discoverctl recommend alice --candidates m1,m2,m3 --no-diversify`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.RecommendationRequest{
				Candidates: candidates,
				Options:    recommend.Options{Limit: limit, NoDiversify: noDiversify},
			}
			var resp api.RecommendationResponse
			if err := o.call(cmd.Context(), http.MethodPost, userPath(args[0], "/recommendations"), req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (server default when 0)")
	cmd.Flags().StringSliceVar(&candidates, "candidates", nil, "comma-separated candidate media ids")
	cmd.Flags().BoolVar(&noDiversify, "no-diversify", false, "skip genre diversification")
	return cmd
}

func newSearchCmd(o *options) *cobra.Command {
	var (
		req    api.SearchRequest
		weight float64
		kind   string
	)
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Run a hybrid semantic and keyword search",
		Long: `Run a hybrid search. --weight sets the semantic share of the score:
0 is keyword only, 1 is semantic only.

Examples:
  discoverctl search space opera
  discoverctl search "heist thriller" --weight 0.8 --genre Crime --min-rating 7`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			req.Type = media.Type(kind)
			if cmd.Flags().Changed("weight") {
				req.HybridWeight = &weight
			}
			var resp api.SearchResponse
			if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/search", req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	f := cmd.Flags()
	f.Float64VarP(&weight, "weight", "w", 0.5, "semantic weight in [0,1]")
	f.IntVarP(&req.Limit, "limit", "n", 0, "maximum results (server default when 0)")
	f.StringVar(&kind, "type", "", "content type filter (movie, tv, documentary)")
	f.StringSliceVar(&req.Genres, "genre", nil, "genre filter, repeatable")
	f.StringSliceVar(&req.Platforms, "platform", nil, "platform filter, repeatable")
	f.Float64Var(&req.MinRating, "min-rating", 0, "minimum rating")
	f.StringVar(&req.UserID, "user", "", "user id for per-user result caching")
	return cmd
}

func newIndexCmd(o *options) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "index <catalog.json>",
		Short: "Embed and index a catalog file",
		Long: `Upload a JSON array of catalog items in batches. Items are validated
locally before anything is sent.

Examples:
  discoverctl index catalog.json
  discoverctl index catalog.json --batch 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch <= 0 {
				return fmt.Errorf("--batch must be positive, got %d", batch)
			}
			cat, err := media.LoadCatalogFile(args[0])
			if err != nil {
				return err
			}
			items := cat.All()
			total := 0
			for start := 0; start < len(items); start += batch {
				end := min(start+batch, len(items))
				var resp api.IndexResponse
				if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/items",
					api.IndexRequest{Items: items[start:end]}, &resp); err != nil {
					return fmt.Errorf("batch %d-%d: %w", start, end, err)
				}
				total += resp.Indexed
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d item(s)\n", total)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 100, "items per request")
	return cmd
}
