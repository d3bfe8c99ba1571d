package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"schedopt/internal/pipeline"
)

// printSummary writes the short result of a run.
func printSummary(w io.Writer, rep *pipeline.Report) {
	fmt.Fprintf(w, "source:   %s", rep.Source)
	if rep.FromCache {
		fmt.Fprint(w, " (cached)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "entries:  %d expanded from %d events\n", rep.Entries, rep.Events)
	fmt.Fprintf(w, "lessons:  %d in %d clusters\n", rep.Lessons, rep.Clusters)
	fmt.Fprintf(w, "selected: %d\n", len(rep.Winners))
	fmt.Fprintf(w, "issues:   %d\n", len(rep.Issues))
	if rep.OutputPath != "" {
		fmt.Fprintf(w, "output:   %s\n", rep.OutputPath)
	}
	if rep.Google != nil {
		fmt.Fprintf(w, "google:   %d inserted, %d failed", rep.Google.Inserted, rep.Google.Failed)
		if rep.Google.PublicURL != "" {
			fmt.Fprintf(w, ", %s", rep.Google.PublicURL)
		}
		fmt.Fprintln(w)
	}
	if rep.GoogleError != "" {
		fmt.Fprintf(w, "google:   error: %s\n", rep.GoogleError)
	}
	if rep.CalDAV > 0 || rep.CalDAVError != "" {
		fmt.Fprintf(w, "caldav:   %d written", rep.CalDAV)
		if rep.CalDAVError != "" {
			fmt.Fprintf(w, ", error: %s", rep.CalDAVError)
		}
		fmt.Fprintln(w)
	}
}

// printInspection writes one row per cluster followed by the issues.
func printInspection(w io.Writer, rep *pipeline.Report, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tCOURSE\tTYPE\tCANDIDATES\tDECISION\tWINNER")
	for _, s := range rep.Selections {
		groups := make([]string, 0, len(s.Cluster.Lessons))
		for _, l := range s.Cluster.Lessons {
			groups = append(groups, l.Group.String())
		}
		winner := "-"
		if s.Winner != nil {
			winner = s.Winner.Group.String() + " " + s.Winner.SourceID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Cluster.Earliest().In(loc).Format("Mon 2006-01-02 15:04"),
			s.Cluster.CourseID,
			dash(s.Cluster.SessionType),
			strings.Join(groups, ","),
			s.Decision,
			winner,
		)
	}
	tw.Flush()

	fmt.Fprintln(w)
	decisions := make([]string, 0, len(rep.Decisions))
	for d, n := range rep.Decisions {
		decisions = append(decisions, fmt.Sprintf("%s=%d", d, n))
	}
	sort.Strings(decisions)
	fmt.Fprintf(w, "decisions: %s\n", strings.Join(decisions, " "))

	if len(rep.Issues) == 0 {
		fmt.Fprintln(w, "issues: none")
		return
	}
	fmt.Fprintf(w, "issues: %d\n", len(rep.Issues))
	for _, is := range rep.Issues {
		fmt.Fprintf(w, "  [%s] %s", is.Kind, is.Message)
		if is.SourceID != "" {
			fmt.Fprintf(w, " (%s)", is.SourceID)
		}
		fmt.Fprintln(w)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
