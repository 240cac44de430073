//go:build quadtreedebug

package quadtree

const debugAssertions = true
