// Package catalog turns the declarative resource configuration into live
// enforcers.
//
// Each configured resource becomes one limits.Enforcer over Attributes, a
// map of named string values supplied with every check. A limit with a
// property counts calls per value of that attribute; a limit without one
// counts every call to the resource together.
//
//	cat, err := catalog.New(factory, cfg.Limits.Resources, logger)
//	decision, err := cat.Check(ctx, "search", catalog.Attributes{"user": "john"})
package catalog
