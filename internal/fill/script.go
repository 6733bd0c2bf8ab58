// File: internal/fill/script.go
package fill

// fillScript applies every task in one pass inside the page. The %s verb
// receives a JSON array of tasks. Notification order for text-like fields is
// input, change, blur; frameworks that mirror input state listen on those.
const fillScript = `
(() => {
    const tasks = %s;

    const fire = (el, type) => el.dispatchEvent(new Event(type, { bubbles: true }));

    const setNativeValue = (el, value) => {
        const proto = el instanceof HTMLTextAreaElement
            ? HTMLTextAreaElement.prototype
            : HTMLInputElement.prototype;
        const desc = Object.getOwnPropertyDescriptor(proto, 'value');
        if (desc && desc.set) {
            desc.set.call(el, value);
        } else {
            el.value = value;
        }
    };

    const locate = (task) => {
        let el = null;
        try { el = document.querySelector(task.selector); } catch (e) {}
        if (!el && task.fallbackSelector) {
            try { el = document.querySelector(task.fallbackSelector); } catch (e) {}
        }
        return el;
    };

    const fillText = (el, task) => {
        setNativeValue(el, task.value);
        fire(el, 'input');
        fire(el, 'change');
        fire(el, 'blur');
        return null;
    };

    const fillSelect = (el, task) => {
        for (const opt of el.options) {
            if (opt.value === task.value || opt.textContent.trim() === task.value) {
                el.value = opt.value;
                fire(el, 'input');
                fire(el, 'change');
                return null;
            }
        }
        return 'no option matched value or label';
    };

    const fillCheckbox = (el, task) => {
        if (el.checked !== task.check) {
            el.click();
        }
        return null;
    };

    const SKIP = {};

    const fillRadio = (el, task) => {
        if (task.specificValue !== '') {
            if (task.specificValue !== task.value) return SKIP; // another member of the group carries the value
            if (!el.checked) el.click();
            return null;
        }
        const name = el.getAttribute('name');
        const match = document.querySelector(
            'input[type="radio"][name="' + name + '"][value="' + task.value + '"]');
        if (!match) return 'no radio in group matched value';
        if (!match.checked) match.click();
        return null;
    };

    const results = [];
    for (const task of tasks) {
        const el = locate(task);
        if (!el) {
            results.push({ name: task.name, ok: false, error: 'element not found' });
            continue;
        }

        let outcome = null;
        try {
            switch (task.kind) {
            case 'select':   outcome = fillSelect(el, task); break;
            case 'checkbox': outcome = fillCheckbox(el, task); break;
            case 'radio':    outcome = fillRadio(el, task); break;
            case 'text':
            case 'textarea':
            case 'other':
            default:         outcome = fillText(el, task); break;
            }
        } catch (e) {
            outcome = String(e && e.message ? e.message : e);
        }

        if (outcome === SKIP) {
            results.push({ name: task.name, ok: false, skipped: true, error: '' });
        } else {
            results.push({ name: task.name, ok: outcome === null, error: outcome || '' });
        }
    }

    return results;
})()
`
