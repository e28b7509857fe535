package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           Loginus ID extension API
// @version         1.0
// @description     Plugin lifecycle, micro-module settings and event bus administration.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
