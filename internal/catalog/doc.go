// Package catalog groups installed apps into categories for the system
// prompt, using keyword and package-prefix rules.
package catalog
