// Package uitree turns a live UI element tree into the compact, coordinate
// annotated text the model reads when it inspects the screen.
package uitree
