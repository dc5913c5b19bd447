// Package symbols exports the extension and graph packages to the yaegi
// interpreter so workspace modules can import them.
package symbols

import "reflect"

//go:generate yaegi extract github.com/kingrea/exthost/extension
//go:generate yaegi extract github.com/kingrea/exthost/graph

// Symbols variable stores the map of symbols for yaegi.
var Symbols = map[string]map[string]reflect.Value{}
