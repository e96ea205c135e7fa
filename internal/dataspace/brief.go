package dataspace

import (
	"fmt"
	"strings"

	"github.com/codeYAY/SPACE/pkg/models"
)

// Brief renders the data-space overview handed to the agent as context.
func Brief(ds *models.DataSpaceSummary) string {
	if ds == nil {
		return ""
	}

	source := ds.SourceName
	if source == "" {
		source = "Unknown"
	}
	header := []string{"DATA SPACE SOURCE: " + source}
	if ds.SpaceName != "" {
		header = append(header, "Space: "+ds.SpaceName)
	}
	header = append(header, "Endpoint: "+ds.EndpointURL)

	var b strings.Builder
	b.WriteString(strings.Join(header, "\n"))

	if len(ds.Collections) == 0 {
		b.WriteString("\nNo collections were returned from the endpoint.")
		return b.String()
	}

	b.WriteString("\nCollections:")
	for _, c := range ds.Collections {
		fmt.Fprintf(&b, "\n- %s: %d records, %d fields", c.Key, c.TotalRecords, fieldCount(c))
	}
	b.WriteString("\nUse the viewDataSpaceCollection tool to inspect schema or sample rows before building UI bindings.")
	return b.String()
}

func fieldCount(c models.CollectionSummary) int {
	if c.Schema != nil {
		return len(c.Schema)
	}
	if len(c.Records) > 0 {
		return len(c.Records[0])
	}
	return 0
}
