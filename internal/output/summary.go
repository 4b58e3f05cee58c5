package output

import (
	"fmt"
	"strings"

	"github.com/tanq16/aimlfetch/internal/utils"
)

// PrintSummary renders the end-of-run totals block.
func PrintSummary(stats utils.Stats) {
	fmt.Println()
	PrintHeader("  Download Summary")
	indent := strings.Repeat(" ", 2)
	fmt.Println(indent + success2Style.Render(fmt.Sprintf("Downloaded: %d", stats.Downloaded)))
	fmt.Println(indent + pendingStyle.Render(fmt.Sprintf("Skipped (unchanged): %d", stats.Skipped)))
	if stats.Failed > 0 {
		fmt.Println(indent + errorStyle.Render(fmt.Sprintf("Failed: %d", stats.Failed)))
	}
	if stats.ValidationFailed > 0 {
		fmt.Println(indent + errorStyle.Render(fmt.Sprintf("Validation failures: %d", stats.ValidationFailed)))
	}
	fmt.Println(indent + infoStyle.Render(fmt.Sprintf("Total size: %s", utils.FormatBytes(uint64(stats.TotalBytes)))))
	fmt.Println()
}

// PrintValidationSummary renders the validate-only totals block.
func PrintValidationSummary(vstats utils.ValidationStats) {
	fmt.Println()
	PrintHeader("  Validation Summary")
	indent := strings.Repeat(" ", 2)
	fmt.Println(indent + infoStyle.Render(fmt.Sprintf("Files checked: %d", vstats.Total)))
	fmt.Println(indent + success2Style.Render(fmt.Sprintf("Valid: %d", vstats.Valid)))
	if vstats.Invalid > 0 {
		fmt.Println(indent + errorStyle.Render(fmt.Sprintf("Invalid: %d", vstats.Invalid)))
	}
	if vstats.Missing > 0 {
		fmt.Println(indent + warningStyle.Render(fmt.Sprintf("Missing: %d", vstats.Missing)))
	}
	if vstats.Clean() {
		fmt.Println(indent + success2Style.Render("All files are valid and present"))
	} else {
		fmt.Println(indent + warningStyle.Render("Some files need attention"))
	}
	fmt.Println()
}
