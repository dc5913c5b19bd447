// Package core_components contributes component metadata to the host
// registry. The catalog is read once per activation from
// `.exthost/components.yaml`:
//
//	components:
//	  Hero:
//	    displayName: Hero banner
//	    category: marketing
//	    props:
//	      title: {type: string, required: true}
//
// A workspace without the file gets a small default catalog (Box, Text,
// Image, Link). The host composes contributions last-writer-wins, so modules
// activated after this one can replace any of these entries. The module also
// registers a "core-components" inspector section summarizing the catalog.
// Reloading the worker rereads the file.
package core_components
