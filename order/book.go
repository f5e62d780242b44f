package order

import "sort"

// Book 记录订单和状态，支持查询。
// 自身不加锁，由持有者（调度器）的锁保护。
type Book struct {
	orders map[string]*Order
}

func NewBook() *Book {
	return &Book{orders: make(map[string]*Order)}
}

// Put 登记订单，已存在时返回 false 且不覆盖。
func (b *Book) Put(o *Order) bool {
	if _, ok := b.orders[o.ID]; ok {
		return false
	}
	b.orders[o.ID] = o
	return true
}

func (b *Book) Get(id string) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

func (b *Book) Has(id string) bool {
	_, ok := b.orders[id]
	return ok
}

func (b *Book) Delete(id string) {
	delete(b.orders, id)
}

func (b *Book) Len() int {
	return len(b.orders)
}

// List 返回全部订单（拷贝），按创建时间排序。
func (b *Book) List() []Order {
	res := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		res = append(res, o.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}

// Filter 返回满足条件的订单拷贝。
func (b *Book) Filter(keep func(*Order) bool) []Order {
	var res []Order
	for _, o := range b.orders {
		if keep(o) {
			res = append(res, o.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
