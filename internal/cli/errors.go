package cli

import (
	"fmt"
	"os"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// PrintError prints an error to stderr with appropriate formatting.
// Structured errors get the user-friendly format; anything else prints
// as a plain error line.
func PrintError(err error) {
	if cerr := conductorerrors.AsConductorError(err); cerr != nil {
		fmt.Fprintln(os.Stderr, cerr.UserMessage())
		if verbose {
			// In verbose mode, also print the error code and cause
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", cerr.Code)
			if cerr.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", cerr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
