package user

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Resolver 把 token 里的 subject 解析成身份。
// 同一个 userId 的并发查询（多标签页同时连上来、join 时批量解析历史作者）合并为一次仓储调用。
type Resolver struct {
	repo Repository
	sf   singleflight.Group
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve 每个调用方只受自己的 ctx 约束；合并后的那次查询不随任何一个调用方取消，只受仓储超时限制。
func (r *Resolver) Resolve(ctx context.Context, id string) (Identity, error) {
	ch := r.sf.DoChan(id, func() (interface{}, error) {
		lctx, cancel := withTimeout(context.WithoutCancel(ctx))
		defer cancel()
		u, err := r.repo.GetByID(lctx, id)
		if err != nil {
			return nil, err
		}
		return u.Identity(), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Identity{}, res.Err
		}
		return res.Val.(Identity), nil
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}
