// Package buildsys reads BUILD.star files declaring R packages, tests and libraries and builds them.
// Targets are declared with Starlark builtins (r_pkg, r_unit_test, r_pkg_test, r_library), planned with
// the rules package and the resulting shell scripts are executed in-process with mvdan.cc/sh.
package buildsys
